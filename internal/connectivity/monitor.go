// Package connectivity tracks whether the backend is reachable by probing it
// on an interval and reporting transitions.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Prober checks reachability.
type Prober interface {
	Ping(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Ping calls f.
func (f ProberFunc) Ping(ctx context.Context) error { return f(ctx) }

// ChangeFunc is called on every online/offline transition.
type ChangeFunc func(ctx context.Context, online bool)

// Monitor probes a backend and reports transitions.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	onChange ChangeFunc
	logger   *slog.Logger

	mu     sync.Mutex
	online bool
	known  bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithTimeout bounds each probe. Defaults to 5 seconds.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithInitial seeds the last known state so the first probe only reports
// a transition when it disagrees.
func WithInitial(online bool) Option {
	return func(m *Monitor) {
		m.online = online
		m.known = true
	}
}

// New creates a monitor. onChange may be nil.
func New(p Prober, interval time.Duration, onChange ChangeFunc, opts ...Option) *Monitor {
	m := &Monitor{
		prober:   p,
		interval: interval,
		timeout:  5 * time.Second,
		onChange: onChange,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Online returns the last known state. It is false before the first probe
// unless seeded with WithInitial.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Check probes once and reports the result, firing onChange on a transition.
func (m *Monitor) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.prober.Ping(pctx)
	cancel()
	online := err == nil

	m.mu.Lock()
	changed := !m.known || m.online != online
	m.online = online
	m.known = true
	m.mu.Unlock()

	if changed {
		if err != nil {
			m.logger.Info("backend unreachable", "error", err)
		} else {
			m.logger.Info("backend reachable")
		}
		if m.onChange != nil {
			m.onChange(ctx, online)
		}
	}
	return online
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)
	if m.interval <= 0 {
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
