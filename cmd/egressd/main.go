// Copyright (C) 2026. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command egressd is the multipath egress load-balancer control plane: it
// watches the default-route topology, probes each egress interface's
// liveness, and keeps the kernel's policy routing and nftables state
// converged on the healthy subset.
package main

import (
	"context"
	"flag"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/1999AZZAR/load-balancer-tool/internal/config"
	"github.com/1999AZZAR/load-balancer-tool/internal/health"
	"github.com/1999AZZAR/load-balancer-tool/internal/kernel"
	"github.com/1999AZZAR/load-balancer-tool/internal/logging"
	"github.com/1999AZZAR/load-balancer-tool/internal/observer"
	"github.com/1999AZZAR/load-balancer-tool/internal/reconciler"
	"github.com/1999AZZAR/load-balancer-tool/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "", "Path to HCL config file")
	dryRun := flag.Bool("dry-run", false, "Run against an in-memory fake kernel instead of netlink/nftables")
	printConfig := flag.Bool("print-config", false, "Print the effective (defaulted) configuration as HCL and exit")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("egressd: failed to load config: %v", err)
		}
		cfg = loaded
	}

	if *printConfig {
		os.Stdout.WriteString(cfg.ToHCL())
		return
	}

	durations, err := cfg.ParseDurations()
	if err != nil {
		log.Fatalf("egressd: invalid config: %v", err)
	}

	lcfg := logging.Config{
		Level:  cfg.LogLevel,
		Format: logging.FormatText,
		Output: os.Stderr,
		File:   cfg.LogFile,
	}
	if cfg.Syslog != nil {
		lcfg.Syslog = logging.SyslogConfig{
			Enabled:  cfg.Syslog.Enabled,
			Host:     cfg.Syslog.Host,
			Port:     cfg.Syslog.Port,
			Protocol: cfg.Syslog.Protocol,
			Tag:      cfg.Syslog.Tag,
			Facility: cfg.Syslog.Facility,
		}
	}
	logger := logging.New(lcfg)

	k, obs := buildKernelAndObserver(*dryRun, logger)

	hcfg := health.Config{
		Interval:          durations.HealthCheckInterval,
		Timeout:           durations.HealthCheckTimeout,
		FailureThreshold:  cfg.FailureThreshold,
		RecoveryThreshold: cfg.RecoveryThreshold,
		ProbeTargetIP:      cfg.ProbeTarget,
		ProbePort:          cfg.ProbePort,
		BackoffBase:        durations.BackoffBase,
		BackoffMax:         durations.BackoffMax,
		HoldDown:           durations.HoldDown,
		NeighborGating:     cfg.IsNeighborReachability(),
		Hysteresis:         cfg.IsHysteresisEnabled(),
	}
	if !cfg.IsHealthCheckEnabled() {
		// Disabling active probing degenerates to "every observed
		// interface is always Up" without threading a separate enabled
		// flag through the Health Monitor: the interval is set so far out
		// that only the first tick after startup runs a probe, neighbor
		// gating is off so that probe flushes no neighbor entry, and the
		// failure threshold is out of reach so its outcome cannot move an
		// interface out of Up.
		hcfg.Interval = 365 * 24 * time.Hour
		hcfg.NeighborGating = false
		hcfg.FailureThreshold = math.MaxInt
	}
	mon := health.New(hcfg, k, clockwork.NewRealClock(), logger)

	rcfg := reconciler.Config{
		LBTable:         cfg.LBTable,
		LBPref:          cfg.LBPref,
		AffinityEnabled: cfg.AffinityEnabled,
		DrainingEnabled: cfg.IsDrainingEnabled(),
		ConsistentNAT:   cfg.IsConsistentNAT(),
	}
	rec := reconciler.New(rcfg, k, logger)

	scfg := supervisor.DefaultConfig()
	scfg.DebounceTime = durations.Debounce
	scfg.LBTable = cfg.LBTable
	scfg.LBPref = cfg.LBPref

	sup := supervisor.New(scfg, k, obs, mon, rec, durations.HealthCheckInterval, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("egressd: received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := sup.Run(ctx); err != nil {
		logger.Error("egressd: cleanup encountered errors on shutdown", "error", err)
		os.Exit(1)
	}
}

// buildKernelAndObserver selects the real netlink/nftables-backed Kernel
// and Observer, or the in-memory fake pair for -dry-run / non-Linux
// development use.
func buildKernelAndObserver(dryRun bool, logger *logging.Logger) (kernel.Kernel, observer.Observer) {
	if dryRun {
		logger.Warn("egressd: running in dry-run mode against an in-memory fake kernel")
		return kernel.NewFakeKernel(), observer.NewManualObserver()
	}
	return newPlatformKernel(), newPlatformObserver(logger)
}
