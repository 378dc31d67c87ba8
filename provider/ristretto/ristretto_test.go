package ristretto

import (
	"context"
	"testing"
	"time"
)

func TestSetGetDel(t *testing.T) {
	ctx := context.Background()
	p, err := New(DefaultConfig(1 << 20))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close(ctx)

	ok, err := p.Set(ctx, "v:api:k", []byte("payload"), 7, time.Minute)
	if err != nil || !ok {
		t.Fatalf("Set ok=%v err=%v", ok, err)
	}
	if v, hit, _ := p.Get(ctx, "v:api:k"); !hit || string(v) != "payload" {
		t.Fatalf("Get=%q hit=%v", v, hit)
	}
	_ = p.Del(ctx, "v:api:k")
	if _, hit, _ := p.Get(ctx, "v:api:k"); hit {
		t.Fatalf("Get after Del hit")
	}
}

func TestInvalidConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for zero config")
	}
}
