package counters

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/taskwire/taskwire/events"
)

// DurableCounters is the database side of the dual write, implemented by the
// store package.
type DurableCounters interface {
	GetCounter(ctx context.Context, name string) (int64, error)
	IncrementCounter(ctx context.Context, name string) (int64, error)
	SetCounter(ctx context.Context, name string, value int64) error
	EnsureCounter(ctx context.Context, name string) error
	ListCounters(ctx context.Context) (map[string]int64, error)
}

// Synchronizer coordinates the classic dual-write hazard: the counter lives
// in both redis and the database without a distributed transaction. Transient
// skew is accepted and corrected on every increment and at startup; the
// database always wins a disagreement.
type Synchronizer struct {
	cache   CounterStore
	durable DurableCounters
	bus     events.Bus
	log     *slog.Logger
}

func NewSynchronizer(cache CounterStore, durable DurableCounters, bus events.Bus) *Synchronizer {
	return &Synchronizer{
		cache:   cache,
		durable: durable,
		bus:     bus,
		log:     slog.Default().With("system", "counters"),
	}
}

// Increment bumps the mirror, announces the new value on the bus, then bumps
// the database. A mirror or bus failure degrades to database-only and is
// logged; a database failure is the one thing that fails the call.
func (s *Synchronizer) Increment(ctx context.Context, c Counter) (int64, error) {
	cacheVal, cacheErr := s.cache.Increment(ctx, c)
	if cacheErr != nil {
		s.log.Warn("counter cache increment failed", "counter", c, "err", cacheErr)
	} else {
		if err := s.bus.Publish(ctx, events.NewCounterEvent(c.String(), cacheVal)); err != nil {
			s.log.Warn("counter event publish failed", "counter", c, "err", err)
		}
	}

	dbVal, err := s.durable.IncrementCounter(ctx, c.String())
	if err != nil {
		return 0, fmt.Errorf("incrementing durable counter %s: %w", c, err)
	}

	if cacheErr != nil {
		// mirror was unreachable; announce the authoritative value instead
		if err := s.bus.Publish(ctx, events.NewCounterEvent(c.String(), dbVal)); err != nil {
			s.log.Warn("counter event publish failed", "counter", c, "err", err)
		}
	}

	if cacheErr == nil && cacheVal != dbVal {
		s.log.Warn("counter skew detected, database wins",
			"counter", c, "cache", cacheVal, "db", dbVal)
		if err := s.cache.Set(ctx, c, dbVal); err != nil {
			s.log.Warn("counter skew repair failed", "counter", c, "err", err)
		}
	}
	return dbVal, nil
}

// Get prefers the mirror and falls back to the database on a miss,
// re-seeding the mirror with whatever the database said.
func (s *Synchronizer) Get(ctx context.Context, c Counter) (int64, error) {
	val, ok, err := s.cache.Get(ctx, c)
	if err != nil {
		s.log.Warn("counter cache read failed, using database", "counter", c, "err", err)
	} else if ok {
		return val, nil
	}

	dbVal, err := s.durable.GetCounter(ctx, c.String())
	if err != nil {
		return 0, fmt.Errorf("reading durable counter %s: %w", c, err)
	}
	if err := s.cache.Set(ctx, c, dbVal); err != nil {
		s.log.Warn("counter cache repopulation failed", "counter", c, "err", err)
	}
	return dbVal, nil
}

// GetAll returns every enumerated counter.
func (s *Synchronizer) GetAll(ctx context.Context) (map[Counter]int64, error) {
	out := make(map[Counter]int64, len(All()))
	for _, c := range All() {
		val, err := s.Get(ctx, c)
		if err != nil {
			return nil, err
		}
		out[c] = val
	}
	return out, nil
}

// ReconcileAll makes the mirror match the database for every enumerated
// counter, creating missing database rows at 0 first. Runs at startup before
// traffic, and again whenever the cache backend recovers from an outage, so
// a lost redis cannot silently diverge from durable history.
func (s *Synchronizer) ReconcileAll(ctx context.Context) error {
	for _, c := range All() {
		if err := s.durable.EnsureCounter(ctx, c.String()); err != nil {
			return fmt.Errorf("ensuring counter %s: %w", c, err)
		}
	}

	dbValues, err := s.durable.ListCounters(ctx)
	if err != nil {
		return fmt.Errorf("listing durable counters: %w", err)
	}

	for _, c := range All() {
		if err := s.cache.Set(ctx, c, dbValues[c.String()]); err != nil {
			return fmt.Errorf("seeding counter mirror %s: %w", c, err)
		}
	}
	s.log.Info("counters reconciled", "values", dbValues)
	return nil
}
