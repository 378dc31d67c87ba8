package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/sensei777/Ethplorer/fault"
)

// Redis keeps each pool as a hash (owner, creation time) plus a set of
// addresses, so replicas share pools and address updates are atomic.
type Redis struct {
	rdb      redis.UniversalClient
	ns       string
	capacity int
	clock    clockwork.Clock
}

var _ Store = (*Redis)(nil)

func NewRedis(client redis.UniversalClient, namespace string, capacity int, clock clockwork.Clock) *Redis {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Redis{rdb: client, ns: namespace, capacity: capacity, clock: clock}
}

func (s *Redis) metaKey(id string) string  { return "pool:" + s.ns + ":" + id }
func (s *Redis) addrsKey(id string) string { return "pool:" + s.ns + ":" + id + ":addrs" }

func (s *Redis) Create(ctx context.Context, owner string, addresses []string) (Pool, error) {
	addresses = uniq(addresses)
	if len(addresses) > s.capacity {
		return Pool{}, fault.ErrPoolOverLimit
	}
	p := Pool{ID: uuid.NewString(), Owner: owner, CreatedAt: s.clock.Now()}
	_, err := s.rdb.TxPipelined(ctx, func(pp redis.Pipeliner) error {
		pp.HSet(ctx, s.metaKey(p.ID), "owner", owner, "created", p.CreatedAt.Unix())
		if len(addresses) > 0 {
			pp.SAdd(ctx, s.addrsKey(p.ID), toAny(addresses)...)
		}
		return nil
	})
	if err != nil {
		return Pool{}, fmt.Errorf("pool create: %w", err)
	}
	p.Addresses = append([]string(nil), addresses...)
	sort.Strings(p.Addresses)
	return p, nil
}

func (s *Redis) Delete(ctx context.Context, id string) error {
	n, err := s.rdb.Del(ctx, s.metaKey(id), s.addrsKey(id)).Result()
	if err != nil {
		return fmt.Errorf("pool delete: %w", err)
	}
	if n == 0 {
		return fault.ErrPoolNotFound
	}
	return nil
}

func (s *Redis) Update(ctx context.Context, op Op, id string, addresses []string) (Pool, error) {
	if err := validOp(op); err != nil {
		return Pool{}, err
	}
	addresses = uniq(addresses)
	meta, akey := s.metaKey(id), s.addrsKey(id)

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, meta).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return fault.ErrPoolNotFound
		}
		if op == Add && len(addresses) > 0 {
			size, err := tx.SCard(ctx, akey).Result()
			if err != nil {
				return err
			}
			member, err := tx.SMIsMember(ctx, akey, toAny(addresses)...).Result()
			if err != nil {
				return err
			}
			for _, m := range member {
				if !m {
					size++
				}
			}
			if size > int64(s.capacity) {
				return fault.ErrPoolOverLimit
			}
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			switch {
			case op == Clear:
				p.Del(ctx, akey)
			case op == Add && len(addresses) > 0:
				p.SAdd(ctx, akey, toAny(addresses)...)
			case op == Remove && len(addresses) > 0:
				p.SRem(ctx, akey, toAny(addresses)...)
			}
			return nil
		})
		return err
	}, meta, akey)
	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			return Pool{}, err
		}
		return Pool{}, fmt.Errorf("pool update: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *Redis) Get(ctx context.Context, id string) (Pool, error) {
	var (
		meta  *redis.MapStringStringCmd
		addrs *redis.StringSliceCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		meta = p.HGetAll(ctx, s.metaKey(id))
		addrs = p.SMembers(ctx, s.addrsKey(id))
		return nil
	})
	if err != nil {
		return Pool{}, fmt.Errorf("pool get: %w", err)
	}
	m := meta.Val()
	if len(m) == 0 {
		return Pool{}, fault.ErrPoolNotFound
	}
	p := Pool{ID: id, Owner: m["owner"], Addresses: addrs.Val()}
	if ts, err := strconv.ParseInt(m["created"], 10, 64); err == nil {
		p.CreatedAt = time.Unix(ts, 0)
	}
	sort.Strings(p.Addresses)
	return p, nil
}

// Close does not close the shared client.
func (s *Redis) Close(context.Context) error { return nil }

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, v := range ss {
		out[i] = v
	}
	return out
}
