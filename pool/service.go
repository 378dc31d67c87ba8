package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sensei777/Ethplorer"
	"github.com/sensei777/Ethplorer/fault"
	"github.com/sensei777/Ethplorer/ledger"
)

const (
	addressesTTL  = 10 * time.Minute
	existsTTL     = 10 * time.Minute
	operationsTTL = 30 * time.Second
)

type ServiceOptions struct {
	Store      Store                                      // required
	Ledger     ledger.Store                               // required for LastOperations
	Addresses  ethplorer.Cache[[]string]                  // required
	Exists     ethplorer.Cache[bool]                      // required
	Operations ethplorer.Cache[map[string][]ledger.Event] // required
	Clock      clockwork.Clock
	Logger     ethplorer.Logger
}

// Service fronts a Store with cached reads. Mutations invalidate the cached
// address list and existence flag of the pool they touch; the bump of the
// address list's generation also retires the pool's cached operations.
type Service struct {
	store  Store
	ledger ledger.Store
	addrs  ethplorer.Cache[[]string]
	exists ethplorer.Cache[bool]
	ops    ethplorer.Cache[map[string][]ledger.Event]
	clock  clockwork.Clock
	log    ethplorer.Logger
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Store == nil || opts.Addresses == nil || opts.Exists == nil || opts.Operations == nil {
		return nil, errors.New("pool: store and caches are required")
	}
	s := &Service{
		store:  opts.Store,
		ledger: opts.Ledger,
		addrs:  opts.Addresses,
		exists: opts.Exists,
		ops:    opts.Operations,
		clock:  opts.Clock,
		log:    opts.Logger,
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.log == nil {
		s.log = ethplorer.NopLogger{}
	}
	return s, nil
}

func addressesKey(id string) string { return "pool_addresses-" + id }
func existsKey(id string) string    { return "pool-exist-" + id }

// Generation identifies the current membership of a pool. It changes on
// every Update or Delete of the pool, so derived cache keys that embed it
// never serve results computed for an earlier address set.
func (s *Service) Generation(ctx context.Context, id string) uint64 {
	return s.addrs.SnapshotGen(ctx, addressesKey(id))
}

func operationsKey(id string, period int, gen uint64) string {
	return fmt.Sprintf("pool_operations-%s-%d-g%d", id, period, gen)
}

func (s *Service) Create(ctx context.Context, owner string, addresses []string) (Pool, error) {
	return s.store.Create(ctx, owner, addresses)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, addressesKey(id), s.addrs.Delete)
	s.invalidate(ctx, existsKey(id), s.exists.Delete)
	return nil
}

func (s *Service) Update(ctx context.Context, op Op, id string, addresses []string) (Pool, error) {
	p, err := s.store.Update(ctx, op, id, addresses)
	if err != nil {
		return Pool{}, err
	}
	s.invalidate(ctx, addressesKey(id), s.addrs.Delete)
	return p, nil
}

func (s *Service) invalidate(ctx context.Context, key string, del func(context.Context, string) error) {
	if err := del(ctx, key); err != nil {
		s.log.Warn("pool cache invalidation failed", ethplorer.Fields{"key": key, "err": err})
	}
}

// Addresses returns the pool's addresses, cached for ten minutes.
func (s *Service) Addresses(ctx context.Context, id string) ([]string, error) {
	key := addressesKey(id)
	l := s.addrs.Get(ctx, key, addressesTTL)
	if l.Found() && l.Fresh {
		return l.Value, nil
	}
	obs := s.addrs.SnapshotGen(ctx, key)
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.addrs.SaveWithGen(ctx, key, p.Addresses, obs, false); err != nil {
		s.log.Warn("pool cache save failed", ethplorer.Fields{"key": key, "err": err})
	}
	return p.Addresses, nil
}

// Exists reports whether the pool exists, cached for ten minutes either way.
func (s *Service) Exists(ctx context.Context, id string) (bool, error) {
	key := existsKey(id)
	l := s.exists.Get(ctx, key, existsTTL)
	if l.Found() && l.Fresh {
		return l.Value, nil
	}
	obs := s.exists.SnapshotGen(ctx, key)
	_, err := s.store.Get(ctx, id)
	found := err == nil
	if err != nil && !errors.Is(err, fault.ErrPoolNotFound) {
		return false, err
	}
	if err := s.exists.SaveWithGen(ctx, key, found, obs, false); err != nil {
		s.log.Warn("pool cache save failed", ethplorer.Fields{"key": key, "err": err})
	}
	return found, nil
}

// LastOperations returns the ledger events of the last period seconds that
// involve the pool, keyed by each pool address (contract, sender or receiver)
// they touch, newest first.
func (s *Service) LastOperations(ctx context.Context, id string, period int) (map[string][]ledger.Event, error) {
	if s.ledger == nil {
		return nil, fault.ErrUpstream.WithMessage("ledger not configured")
	}
	ok, err := s.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fault.ErrPoolNotFound
	}

	key := operationsKey(id, period, s.Generation(ctx, id))
	l := s.ops.Get(ctx, key, operationsTTL)
	if l.Found() && l.Fresh {
		return l.Value, nil
	}
	obs := s.ops.SnapshotGen(ctx, key)

	addrs, err := s.Addresses(ctx, id)
	if err != nil {
		return nil, err
	}
	out := map[string][]ledger.Event{}
	if len(addrs) == 0 {
		return out, nil
	}
	member := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		member[a] = true
	}

	since := s.clock.Now().Add(-time.Duration(period) * time.Second).Unix()
	events, err := s.ledger.Query(ctx, ledger.Filter{Addresses: addrs, Since: since}, ledger.Descending, 0, 0)
	if err != nil {
		if l.Found() {
			s.log.Warn("pool operations failed, serving stale", ethplorer.Fields{"pool": id, "err": err})
			return l.Value, nil
		}
		return nil, fault.ErrUpstream.Wrap(err)
	}
	for _, e := range events {
		touched := [3]string{e.Contract, e.From, e.To}
		for i, a := range touched {
			if !member[a] || (i > 0 && a == touched[0]) || (i > 1 && a == touched[1]) {
				continue
			}
			out[a] = append(out[a], e)
		}
	}
	if len(out) > 0 {
		if err := s.ops.SaveWithGen(ctx, key, out, obs, false); err != nil {
			s.log.Warn("pool cache save failed", ethplorer.Fields{"key": key, "err": err})
		}
	}
	return out, nil
}
