// Copyright (C) 2026. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package health implements the Health Monitor (spec.md §4.D): one
// liveness state machine per interface, advanced by a single operation
// invoked at most once per HealthCheckInterval seconds globally across all
// interfaces - the monitor round-robins across interfaces rather than
// probing every interface every tick.
package health

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/1999AZZAR/load-balancer-tool/internal/kernel"
	"github.com/1999AZZAR/load-balancer-tool/internal/logging"
	"github.com/1999AZZAR/load-balancer-tool/internal/sampler"
)

// Status is one of the four liveness states of spec.md §3.
type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusBackoff  Status = "backoff"
	StatusHoldDown Status = "holddown"
)

// Record is the per-interface health record of spec.md §3.
type Record struct {
	Status               Status
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	BackoffCount         int
	LastFailureAt        time.Time
	HoldDownUntil        time.Time
}

// Config holds the Health Monitor's tunables, enumerated in spec.md §4.D.
type Config struct {
	Interval          time.Duration
	Timeout           time.Duration
	FailureThreshold  int
	RecoveryThreshold int
	ProbeTargetIP     string
	ProbePort         int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	HoldDown          time.Duration
	NeighborGating    bool
	Hysteresis        bool
}

// DefaultConfig returns the defaults named in spec.md §4.D.
func DefaultConfig() Config {
	return Config{
		Interval:          30 * time.Second,
		Timeout:           3 * time.Second,
		FailureThreshold:  2,
		RecoveryThreshold: 1,
		ProbeTargetIP:     "1.1.1.1",
		ProbePort:         53,
		BackoffBase:       30 * time.Second,
		BackoffMax:        300 * time.Second,
		HoldDown:          60 * time.Second,
		NeighborGating:    true,
		Hysteresis:        true,
	}
}

// Monitor owns every interface's Record and the global round-robin probe
// schedule.
type Monitor struct {
	mu     sync.Mutex
	cfg    Config
	kernel kernel.Kernel
	clock  clockwork.Clock
	logger *logging.Logger

	records map[string]*Record
	order   []string
	rrPos   int

	lastGlobalCheck time.Time
}

// New returns a Monitor. clock is a jonboulle/clockwork.Clock so tests can
// drive backoff_count/hold_down_until transitions deterministically with
// clockwork.NewFakeClock(); pass clockwork.NewRealClock() in production.
func New(cfg Config, k kernel.Kernel, clock clockwork.Clock, logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Monitor{
		cfg:     cfg,
		kernel:  k,
		clock:   clock,
		logger:  logger,
		records: make(map[string]*Record),
	}
}

// Snapshot returns a copy of every known interface's Record.
func (m *Monitor) Snapshot() map[string]Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Record, len(m.records))
	for k, v := range m.records {
		out[k] = *v
	}
	return out
}

// UpSet returns the interfaces currently in StatusUp.
func (m *Monitor) UpSet() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	up := make(map[string]bool)
	for iface, r := range m.records {
		if r.Status == StatusUp {
			up[iface] = true
		}
	}
	return up
}

// Prune removes records for interfaces no longer present in active, per
// spec.md §3's "entries for interfaces that disappear from S may be
// pruned on reconcile" lifecycle rule.
func (m *Monitor) Prune(active map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for iface := range m.records {
		if !active[iface] {
			delete(m.records, iface)
		}
	}
	m.order = m.order[:0]
	for iface := range m.records {
		m.order = append(m.order, iface)
	}
	sort.Strings(m.order)
	if m.rrPos >= len(m.order) {
		m.rrPos = 0
	}
}

// Tick ensures every tuple in state has a Record (creating with StatusUp
// on first sight, per spec.md §3's lifecycle invariant), then - if at
// least Interval has elapsed since the last global probe - advances the
// round-robin schedule by one interface and runs its probe. It returns
// the set of interfaces whose Up/non-Up membership changed as a result
// (a "health-edge", spec.md §4.D) so the Supervisor can force a reconcile.
func (m *Monitor) Tick(ctx context.Context, state sampler.State) []string {
	m.mu.Lock()
	now := m.clock.Now()
	m.ensureRecordsLocked(state)

	if now.Sub(m.lastGlobalCheck) < m.cfg.Interval || len(m.order) == 0 {
		m.mu.Unlock()
		return nil
	}
	m.lastGlobalCheck = now

	iface := m.order[m.rrPos%len(m.order)]
	m.rrPos++
	var tuple *sampler.Tuple
	for i := range state {
		if state[i].Iface == iface {
			tuple = &state[i]
			break
		}
	}
	rec := m.records[iface]
	m.mu.Unlock()

	if tuple == nil {
		return nil
	}

	wasUp := rec.Status == StatusUp
	m.probeAndTransition(ctx, iface, *tuple, rec, now)

	m.mu.Lock()
	isUp := rec.Status == StatusUp
	m.mu.Unlock()

	if wasUp != isUp {
		return []string{iface}
	}
	return nil
}

func (m *Monitor) ensureRecordsLocked(state sampler.State) {
	for _, t := range state {
		if _, ok := m.records[t.Iface]; !ok {
			m.records[t.Iface] = &Record{Status: StatusUp}
			m.order = append(m.order, t.Iface)
		}
	}
}

// probeAndTransition runs one probe for iface (subject to the backoff
// suppression window when rec.Status is Down or Backoff) and applies the
// resulting transition from spec.md §4.D's table.
func (m *Monitor) probeAndTransition(ctx context.Context, iface string, t sampler.Tuple, rec *Record, now time.Time) {
	m.mu.Lock()
	status := rec.Status
	backoffCount := rec.BackoffCount
	lastFailure := rec.LastFailureAt
	holdUntil := rec.HoldDownUntil
	m.mu.Unlock()

	if status == StatusHoldDown && !now.Before(holdUntil) {
		m.mu.Lock()
		rec.Status = StatusUp
		rec.ConsecutiveFailures = 0
		rec.ConsecutiveSuccesses = 0
		rec.BackoffCount = 0
		m.mu.Unlock()
	}
	// A HoldDown interface still gets probed below so a failure during
	// the dwell window can interrupt it (table row "HoldDown, failure ->
	// Down").

	if (status == StatusDown || status == StatusBackoff) && !lastFailure.IsZero() {
		window := backoffWindow(m.cfg.BackoffBase, m.cfg.BackoffMax, backoffCount)
		if now.Sub(lastFailure) < window {
			m.logger.Debug("health: probe suppressed by backoff", "iface", iface, "window", window)
			return
		}
	}

	ok := m.probe(ctx, iface, t)
	m.transition(rec, iface, ok, now)
}

// backoffWindow computes min(base*2^count, max), the exponential backoff
// envelope of spec.md §4.D, grounded on malbeclabs-doublezero's
// WithRandomizationFactor(0) use of cenkalti/backoff/v4 ("deterministic,
// no jitter") for the same shape - the formula itself is computed
// directly here rather than through that library's stateful
// NextBackOff() so a stored BackoffCount can be replayed idempotently;
// see DESIGN.md.
func backoffWindow(base, max time.Duration, count int) time.Duration {
	if count <= 0 {
		return base
	}
	multiplier := math.Pow(2, float64(count))
	d := time.Duration(float64(base) * multiplier)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// probe runs the neighbor-gated TCP reachability check of spec.md §4.D.
func (m *Monitor) probe(ctx context.Context, iface string, t sampler.Tuple) bool {
	if m.cfg.NeighborGating {
		state, err := m.kernel.NeighborState(iface, t.Gw)
		if err == nil {
			switch state {
			case kernel.NeighborFailed, kernel.NeighborIncomplete:
				return false
			case kernel.NeighborStale:
				_ = m.kernel.NeighborFlush(iface, t.Gw)
				return true
			case kernel.NeighborReachable, kernel.NeighborDelay, kernel.NeighborProbe, kernel.NeighborUnknown:
				// fall through to the TCP check
			}
		}
	}

	res := m.kernel.DialTCP(ctx, t.SrcIP, m.cfg.ProbeTargetIP, m.cfg.ProbePort, m.cfg.Timeout)
	return res.OK
}

// transition applies one event (success or failure) to rec following the
// table in spec.md §4.D.
func (m *Monitor) transition(rec *Record, iface string, success bool, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := rec.Status

	switch rec.Status {
	case StatusUp:
		if success {
			rec.ConsecutiveFailures = 0
			rec.ConsecutiveSuccesses++
			break
		}
		rec.ConsecutiveFailures++
		if rec.ConsecutiveFailures >= m.cfg.FailureThreshold {
			rec.Status = StatusDown
			rec.LastFailureAt = now
			rec.BackoffCount++
			rec.ConsecutiveSuccesses = 0
		}

	case StatusDown, StatusBackoff:
		if success {
			rec.ConsecutiveSuccesses++
			if rec.ConsecutiveSuccesses >= m.cfg.RecoveryThreshold {
				if m.cfg.Hysteresis {
					rec.Status = StatusHoldDown
					rec.HoldDownUntil = now.Add(m.cfg.HoldDown)
					rec.BackoffCount = 0
				} else {
					rec.Status = StatusUp
					rec.ConsecutiveFailures = 0
					rec.ConsecutiveSuccesses = 0
					rec.BackoffCount = 0
				}
			}
			break
		}
		rec.ConsecutiveSuccesses = 0
		if rec.Status == StatusDown {
			rec.Status = StatusBackoff
		}

	case StatusHoldDown:
		if !success {
			rec.Status = StatusDown
			rec.LastFailureAt = now
			rec.BackoffCount++
			rec.ConsecutiveSuccesses = 0
		}
	}

	if before != rec.Status {
		m.logger.Info("health: status transition", "iface", iface, "from", before, "to", rec.Status)
	}
}
