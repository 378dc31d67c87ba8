package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// Redis shares leases across replicas with SET NX PX. A record the backend
// has not yet expired but which is expired by the caller's clock is taken
// over inside a WATCH transaction.
type Redis struct {
	rdb redis.UniversalClient
	ns  string
}

var _ Store = (*Redis)(nil)

func NewRedis(client redis.UniversalClient, namespace string) *Redis {
	return &Redis{rdb: client, ns: namespace}
}

func (s *Redis) key(name string) string { return "lease:" + s.ns + ":" + name }

func (s *Redis) Acquire(ctx context.Context, l Lease, now time.Time) (Lease, bool, error) {
	ttl := l.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return Lease{}, false, fmt.Errorf("lease %q: non-positive ttl", l.Name)
	}
	raw, err := msgpack.Marshal(l)
	if err != nil {
		return Lease{}, false, err
	}
	k := s.key(l.Name)

	ok, err := s.rdb.SetNX(ctx, k, raw, ttl).Result()
	if err != nil {
		return Lease{}, false, err
	}
	if ok {
		return l, true, nil
	}

	var holder Lease
	acquired := false
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, k).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := msgpack.Unmarshal(b, &holder); err != nil {
				return fmt.Errorf("lease %q: decode holder: %w", l.Name, err)
			}
			if holder.ActiveAt(now) {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, k, raw, ttl)
			return nil
		})
		if err == nil {
			acquired = true
		}
		return err
	}, k)
	if errors.Is(err, redis.TxFailedErr) {
		// someone else wrote the key between WATCH and EXEC
		h, _, herr := s.Holder(ctx, l.Name)
		return h, false, herr
	}
	if err != nil {
		return Lease{}, false, err
	}
	if acquired {
		return l, true, nil
	}
	return holder, false, nil
}

func (s *Redis) Holder(ctx context.Context, name string) (Lease, bool, error) {
	b, err := s.rdb.Get(ctx, s.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, err
	}
	var l Lease
	if err := msgpack.Unmarshal(b, &l); err != nil {
		return Lease{}, false, fmt.Errorf("lease %q: decode: %w", name, err)
	}
	return l, true, nil
}

// Close does not close the shared client.
func (s *Redis) Close(context.Context) error { return nil }
