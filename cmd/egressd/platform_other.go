//go:build !linux
// +build !linux

// Copyright (C) 2026. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"github.com/1999AZZAR/load-balancer-tool/internal/kernel"
	"github.com/1999AZZAR/load-balancer-tool/internal/logging"
	"github.com/1999AZZAR/load-balancer-tool/internal/observer"
)

// On non-Linux platforms there is no netlink/nftables adapter to drive;
// egressd falls back to the in-memory fake so the binary still builds and
// runs (in a no-op, non-authoritative capacity) for development.
func newPlatformKernel() kernel.Kernel {
	return kernel.NewFakeKernel()
}

func newPlatformObserver(logger *logging.Logger) observer.Observer {
	logger.Warn("egressd: no netlink observer on this platform, falling back to a manual observer")
	return observer.NewManualObserver()
}
