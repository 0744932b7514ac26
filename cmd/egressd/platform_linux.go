//go:build linux
// +build linux

// Copyright (C) 2026. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"github.com/1999AZZAR/load-balancer-tool/internal/kernel"
	"github.com/1999AZZAR/load-balancer-tool/internal/logging"
	"github.com/1999AZZAR/load-balancer-tool/internal/observer"
)

func newPlatformKernel() kernel.Kernel {
	return kernel.NewLinuxKernel()
}

func newPlatformObserver(logger *logging.Logger) observer.Observer {
	return observer.NewNetlinkObserver(logger)
}
