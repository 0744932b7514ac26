// Copyright (C) 2026. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"strings"
	"time"

	"github.com/1999AZZAR/load-balancer-tool/internal/errors"
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks the bounds and cross-field consistency spec.md §6 implies
// but HCL's schema decoding cannot express on its own: the routing table
// and rule-priority ranges a bad value would collide with, and positive
// thresholds/ports/durations.
func (c *Config) Validate() error {
	if c.LBTable <= 0 || c.LBTable+10 >= 252 {
		return errors.Errorf(errors.KindConfig, "lb_table %d leaves no room for the reserved affinity-shard range (lb_table..lb_table+10)", c.LBTable)
	}
	if c.LBPref <= 0 || c.LBPref+10 >= 32768 {
		return errors.Errorf(errors.KindConfig, "lb_pref %d leaves no room for the reserved draining/affinity priority range", c.LBPref)
	}
	if c.LBTable >= 100 && c.LBTable <= 110 {
		return errors.Errorf(errors.KindConfig, "lb_table %d collides with the reserved per-interface return table range 100-110", c.LBTable)
	}

	if c.FailureThreshold <= 0 {
		return errors.Errorf(errors.KindConfig, "failure_threshold must be positive, got %d", c.FailureThreshold)
	}
	if c.RecoveryThreshold <= 0 {
		return errors.Errorf(errors.KindConfig, "recovery_threshold must be positive, got %d", c.RecoveryThreshold)
	}
	if c.ProbePort <= 0 || c.ProbePort > 65535 {
		return errors.Errorf(errors.KindConfig, "probe_port %d is not a valid TCP port", c.ProbePort)
	}
	if strings.TrimSpace(c.ProbeTarget) == "" {
		return errors.New(errors.KindConfig, "probe_target must not be empty")
	}

	if !validLogLevels[c.LogLevel] {
		return errors.Errorf(errors.KindConfig, "log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}

	for _, pair := range []struct {
		field string
		value string
	}{
		{"debounce_time", c.DebounceTime},
		{"health_check_interval", c.HealthCheckInterval},
		{"health_check_timeout", c.HealthCheckTimeout},
		{"backoff_base", c.BackoffBase},
		{"backoff_max", c.BackoffMax},
		{"hold_down", c.HoldDown},
	} {
		d, err := time.ParseDuration(pair.value)
		if err != nil {
			return fieldErr(pair.field, err)
		}
		if d <= 0 {
			return errors.Errorf(errors.KindConfig, "%s must be positive, got %s", pair.field, pair.value)
		}
	}

	backoffBase, _ := time.ParseDuration(c.BackoffBase)
	backoffMax, _ := time.ParseDuration(c.BackoffMax)
	if backoffMax < backoffBase {
		return errors.Errorf(errors.KindConfig, "backoff_max (%s) must be >= backoff_base (%s)", c.BackoffMax, c.BackoffBase)
	}

	if c.Syslog != nil && c.Syslog.Enabled {
		if strings.TrimSpace(c.Syslog.Host) == "" {
			return errors.New(errors.KindConfig, "syslog.host must be set when syslog.enabled is true")
		}
		if c.Syslog.Port <= 0 || c.Syslog.Port > 65535 {
			return errors.Errorf(errors.KindConfig, "syslog.port %d is not a valid port", c.Syslog.Port)
		}
		if c.Syslog.Protocol != "udp" && c.Syslog.Protocol != "tcp" {
			return errors.Errorf(errors.KindConfig, "syslog.protocol %q must be udp or tcp", c.Syslog.Protocol)
		}
	}

	return nil
}
