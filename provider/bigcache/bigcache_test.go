package bigcache

import (
	"context"
	"testing"
	"time"
)

func TestSetGetDel(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, Config{LifeWindow: time.Minute, MaxEntriesInWindow: 1024, MaxEntrySize: 256})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close(ctx)

	if ok, err := p.Set(ctx, "v:api:k", []byte("payload"), 1, 0); !ok || err != nil {
		t.Fatalf("Set ok=%v err=%v", ok, err)
	}
	if v, hit, err := p.Get(ctx, "v:api:k"); !hit || err != nil || string(v) != "payload" {
		t.Fatalf("Get=%q hit=%v err=%v", v, hit, err)
	}
	if err := p.Del(ctx, "v:api:k"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, hit, err := p.Get(ctx, "v:api:k"); hit || err != nil {
		t.Fatalf("Get after Del hit=%v err=%v", hit, err)
	}
	if err := p.Del(ctx, "missing"); err != nil {
		t.Fatalf("Del missing should be a no-op: %v", err)
	}
}
