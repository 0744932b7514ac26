// Copyright (C) 2026. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package supervisor owns the main control loop (spec.md §4.F): it wires
// the Route Observer into the State Sampler, drives the Health Monitor on
// both route events and an independent timer, invokes the Reconciler
// whenever the observed state changes, and guarantees kernel cleanup on
// shutdown.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/1999AZZAR/load-balancer-tool/internal/health"
	"github.com/1999AZZAR/load-balancer-tool/internal/kernel"
	"github.com/1999AZZAR/load-balancer-tool/internal/logging"
	"github.com/1999AZZAR/load-balancer-tool/internal/observer"
	"github.com/1999AZZAR/load-balancer-tool/internal/reconciler"
	"github.com/1999AZZAR/load-balancer-tool/internal/sampler"
)

// ReturnTableLow and ReturnTableHigh bound the per-interface return table
// range flushed on cleanup, per spec.md §6.
const (
	ReturnTableLow  = 100
	ReturnTableHigh = 110

	// DrainAndAffinityLow and DrainAndAffinityHigh bound the draining
	// table plus the reserved affinity-shard range (LB_TABLE+1..+10 for
	// the default LB_TABLE of 200).
	DrainAndAffinityLow  = 201
	DrainAndAffinityHigh = 210
)

// Config holds the Supervisor's own tunables; everything downstream
// (Reconciler, Health Monitor) takes its own Config built from the same
// loaded file.
type Config struct {
	DebounceTime time.Duration
	LBTable      int
	LBPref       int

	// FailureWindow and FailureWindowThreshold bound an observability
	// counter only - repeated reconcile failures are logged prominently
	// but never stop the retry loop, since the next tick always re-issues
	// the full desired state (spec.md §7).
	FailureWindow          time.Duration
	FailureWindowThreshold int
}

// DefaultConfig returns the Supervisor defaults named in spec.md §4.F/§6.
func DefaultConfig() Config {
	return Config{
		DebounceTime:           2 * time.Second,
		LBTable:                reconciler.DefaultLBTable,
		LBPref:                 reconciler.DefaultLBPref,
		FailureWindow:          5 * time.Minute,
		FailureWindowThreshold: 3,
	}
}

// reconcileFailure records a single failed Reconcile call, mirroring the
// shape of a crash event but for reconcile outcomes rather than process
// exits.
type reconcileFailure struct {
	at  time.Time
	err error
}

// Supervisor owns the main loop.
type Supervisor struct {
	cfg    Config
	kernel kernel.Kernel
	obs    observer.Observer
	smp    *sampler.Sampler
	mon    *health.Monitor
	rec    *reconciler.Reconciler
	logger *logging.Logger

	healthTick time.Duration

	mu           sync.Mutex
	lastAppliedS string
	lastAppliedH string
	failures     []reconcileFailure

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Supervisor wiring obs, the Sampler over k, mon and rec.
// healthTick is the period of the independent health-check timer,
// normally the Health Monitor's own probe interval so a link with no
// route churn still gets probed.
func New(cfg Config, k kernel.Kernel, obs observer.Observer, mon *health.Monitor, rec *reconciler.Reconciler, healthTick time.Duration, logger *logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Supervisor{
		cfg:        cfg,
		kernel:     k,
		obs:        obs,
		smp:        sampler.New(k),
		mon:        mon,
		rec:        rec,
		logger:     logger,
		healthTick: healthTick,
	}
}

// Run blocks until ctx is cancelled, then performs cleanup and returns.
// Callers typically cancel ctx from a SIGINT/SIGTERM handler.
func (s *Supervisor) Run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	s.logger.Info("supervisor: starting control loop")

	events := s.obs.Ticks()
	healthTimer := time.NewTicker(s.healthTick)
	defer healthTimer.Stop()

	var lastEventAt time.Time
	debounced := make(chan struct{}, 1)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-events:
				now := time.Now()
				if now.Sub(lastEventAt) < s.cfg.DebounceTime {
					continue
				}
				lastEventAt = now
				select {
				case debounced <- struct{}{}:
				default:
				}
			}
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			s.wg.Wait()
			return s.cleanup()

		case <-debounced:
			s.runOnce()

		case <-healthTimer.C:
			s.runOnce()
		}
	}
}

// Close stops the control loop as if ctx had been cancelled; callers that
// drive Run from their own ctx do not need this.
func (s *Supervisor) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// runOnce samples S, ticks the Health Monitor for whichever interface's
// turn it is, and reconciles when either changed.
func (s *Supervisor) runOnce() {
	state, err := s.smp.Sample()
	if err != nil {
		s.logger.Error("supervisor: sample failed", "error", err)
		return
	}

	edges := s.mon.Tick(s.ctx, state)
	s.mon.Prune(ifaceSet(state))
	upSet := s.mon.UpSet()

	sigS := state.Key()
	sigH := upSetKey(upSet)

	s.mu.Lock()
	changed := sigS != s.lastAppliedS || sigH != s.lastAppliedH
	s.mu.Unlock()

	if !changed && len(edges) == 0 {
		return
	}

	if err := s.rec.Reconcile(state, upSet); err != nil {
		s.logger.Error("supervisor: reconcile failed", "error", err)
		s.recordFailure(err)
		return
	}

	s.mu.Lock()
	s.lastAppliedS = sigS
	s.lastAppliedH = sigH
	s.mu.Unlock()
}

// recordFailure appends a reconcile failure and prunes the rolling window,
// logging prominently once the window's failure count reaches the
// configured threshold. This is purely observational: it never trips a
// breaker, since spec.md §7 requires retries to continue unconditionally.
func (s *Supervisor) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.failures = append(s.failures, reconcileFailure{at: now, err: err})

	cutoff := now.Add(-s.cfg.FailureWindow)
	kept := s.failures[:0]
	for _, f := range s.failures {
		if f.at.After(cutoff) {
			kept = append(kept, f)
		}
	}
	s.failures = kept

	if len(s.failures) >= s.cfg.FailureWindowThreshold {
		s.logger.Warn("supervisor: repeated reconcile failures in window",
			"count", len(s.failures), "window", s.cfg.FailureWindow)
	}
}

// cleanup runs the shutdown sequence of spec.md §4.F: delete every policy
// rule the daemon could have installed (active, draining/affinity, and
// per-interface return), flush the overlay and return/draining/affinity
// table ranges, remove the nftables table, and flush the route cache once
// more. Flushing a table does not remove the rules that look it up, so
// the rule deletions have to walk the same pref ranges §6 reserves.
func (s *Supervisor) cleanup() error {
	s.logger.Info("supervisor: running cleanup sequence")

	var firstErr error
	record := func(op string, err error) {
		if err == nil {
			return
		}
		s.logger.Error("supervisor: cleanup step failed", "op", op, "error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", op, err)
		}
	}

	record("delete active rule", s.kernel.DelRulesMatching(s.cfg.LBPref, -1))
	record("flush active table", s.kernel.FlushTable(s.cfg.LBTable))

	for pref := s.cfg.LBPref + 1; pref <= s.cfg.LBPref+10; pref++ {
		record(fmt.Sprintf("delete draining/affinity rule at pref %d", pref), s.kernel.DelRulesMatching(pref, -1))
	}
	for table := DrainAndAffinityLow; table <= DrainAndAffinityHigh; table++ {
		record(fmt.Sprintf("flush drain/affinity table %d", table), s.kernel.FlushTable(table))
	}

	for pref := ReturnTableLow; pref <= ReturnTableHigh; pref++ {
		record(fmt.Sprintf("delete return rule at pref %d", pref), s.kernel.DelRulesMatching(pref, -1))
	}
	for table := ReturnTableLow; table <= ReturnTableHigh; table++ {
		record(fmt.Sprintf("flush return table %d", table), s.kernel.FlushTable(table))
	}

	record("remove nftables table", s.kernel.NFDeleteTable(reconciler.NFTableName))
	record("flush route cache", s.kernel.FlushRouteCache())

	s.logger.Info("supervisor: cleanup complete")
	return firstErr
}

func ifaceSet(state sampler.State) map[string]bool {
	out := make(map[string]bool, len(state))
	for _, t := range state {
		out[t.Iface] = true
	}
	return out
}

func upSetKey(up map[string]bool) string {
	ifaces := make([]string, 0, len(up))
	for iface := range up {
		ifaces = append(ifaces, iface)
	}
	sortStrings(ifaces)
	out := ""
	for _, iface := range ifaces {
		out += iface + ";"
	}
	return out
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
