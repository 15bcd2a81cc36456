// Package monitor watches cache backend liveness. Its one job: notice the
// backend coming back after an outage and trigger exactly one recovery
// (index rebuild + counter re-seed) per Down→Up transition, because a
// restarted redis comes back empty while this process keeps running.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Monitor struct {
	ping      func(context.Context) error
	onRecover func(context.Context) error
	interval  time.Duration
	log       *slog.Logger

	mu   sync.Mutex
	down bool
}

// New builds a monitor probing with ping every interval. onRecover runs
// synchronously inside the poll loop on each Down→Up transition; if it
// fails, the backend is still considered down so the next successful probe
// tries again.
func New(ping, onRecover func(context.Context) error, interval time.Duration) *Monitor {
	return &Monitor{
		ping:      ping,
		onRecover: onRecover,
		interval:  interval,
		log:       slog.Default().With("system", "monitor"),
	}
}

// Healthy reports the last observed backend state. Starts optimistic.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.down
}

// Run polls until ctx is cancelled. Single instance: the loop never
// overlaps with itself, each probe (and any recovery it triggers) finishes
// before the next tick is considered.
func (m *Monitor) Run(ctx context.Context) {
	m.log.Info("cache health monitor starting", "interval", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.probe(ctx)
		case <-ctx.Done():
			m.log.Info("cache health monitor stopping")
			return
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	err := m.ping(ctx)

	m.mu.Lock()
	wasDown := m.down
	m.mu.Unlock()

	if err != nil {
		if !wasDown {
			// log once per transition, not on every failing poll
			m.log.Warn("cache backend down", "err", err)
		}
		m.setDown(true)
		return
	}

	if !wasDown {
		return
	}

	m.log.Info("cache backend restored, running recovery")
	if err := m.onRecover(ctx); err != nil {
		m.log.Error("recovery failed, will retry on next successful probe", "err", err)
		return
	}
	m.setDown(false)
}

func (m *Monitor) setDown(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
}
