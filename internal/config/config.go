// Copyright (C) 2026. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads and validates the egressd configuration file.
package config

import "time"

// SyslogBlock configures forwarding of log records to a syslog collector.
type SyslogBlock struct {
	// @default: false
	Enabled bool `hcl:"enabled,optional" json:"enabled,omitempty"`
	// @example: "syslog.example.internal"
	Host string `hcl:"host,optional" json:"host,omitempty"`
	// @default: 514
	Port int `hcl:"port,optional" json:"port,omitempty"`
	// @enum: udp, tcp
	// @default: "udp"
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty"`
	// @default: "egressd"
	Tag string `hcl:"tag,optional" json:"tag,omitempty"`
	// @default: 1
	Facility int `hcl:"facility,optional" json:"facility,omitempty"`
}

// Config is the full set of options recognized by egressd (§6 of the spec).
type Config struct {
	// @default: "1.0"
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	// Base routing table ID for the active/draining overlay.
	// @default: 200
	LBTable int `hcl:"lb_table,optional" json:"lb_table,omitempty"`
	// Base rule priority for the active/draining overlay.
	// @default: 90
	LBPref int `hcl:"lb_pref,optional" json:"lb_pref,omitempty"`

	// Minimum quiet period between reconciles after a route/link event.
	// @default: "2s"
	DebounceTime string `hcl:"debounce_time,optional" json:"debounce_time,omitempty"`

	// Gate all active probing.
	// @default: true
	HealthCheckEnabled *bool `hcl:"health_check_enabled,optional" json:"health_check_enabled,omitempty"`
	// Minimum time between consecutive probes, global across all interfaces.
	// @default: "30s"
	HealthCheckInterval string `hcl:"health_check_interval,optional" json:"health_check_interval,omitempty"`
	// TCP connect deadline for a single probe.
	// @default: "3s"
	HealthCheckTimeout string `hcl:"health_check_timeout,optional" json:"health_check_timeout,omitempty"`

	// Consecutive failures to transition Up -> Down.
	// @default: 2
	FailureThreshold int `hcl:"failure_threshold,optional" json:"failure_threshold,omitempty"`
	// Consecutive successes to transition Down/Backoff -> (HoldDown|Up).
	// @default: 1
	RecoveryThreshold int `hcl:"recovery_threshold,optional" json:"recovery_threshold,omitempty"`

	// Probe endpoint.
	// @default: "1.1.1.1"
	ProbeTarget string `hcl:"probe_target,optional" json:"probe_target,omitempty"`
	// @default: 53
	ProbePort int `hcl:"probe_port,optional" json:"probe_port,omitempty"`

	// Build the draining table and its fwmark rule for unhealthy interfaces.
	// Masquerade for unhealthy interfaces is kept whether or not this is set.
	// @default: true
	DrainingEnabled *bool `hcl:"draining_enabled,optional" json:"draining_enabled,omitempty"`
	// Switch the active table to per-interface session-affinity shards.
	// @default: false
	AffinityEnabled bool `hcl:"affinity_enabled,optional" json:"affinity_enabled,omitempty"`
	// Insert a HoldDown state before promoting a recovering interface.
	// @default: true
	HysteresisEnabled *bool `hcl:"hysteresis_enabled,optional" json:"hysteresis_enabled,omitempty"`

	// Exponential backoff envelope for repeated-failure probe suppression.
	// @default: "30s"
	BackoffBase string `hcl:"backoff_base,optional" json:"backoff_base,omitempty"`
	// @default: "300s"
	BackoffMax string `hcl:"backoff_max,optional" json:"backoff_max,omitempty"`
	// Dwell time in HoldDown before promotion to Up.
	// @default: "60s"
	HoldDown string `hcl:"hold_down,optional" json:"hold_down,omitempty"`

	// Per-oifname masquerade rules instead of one unconditional rule.
	// @default: true
	ConsistentNAT *bool `hcl:"consistent_nat,optional" json:"consistent_nat,omitempty"`
	// Gate probes on neighbor-cache state before dialing.
	// @default: true
	NeighborReachability *bool `hcl:"neighbor_reachability,optional" json:"neighbor_reachability,omitempty"`

	// @enum: debug, info, warn, error
	// @default: "info"
	LogLevel string `hcl:"log_level,optional" json:"log_level,omitempty"`
	// Path to a rotated log file. Empty disables file logging.
	LogFile string `hcl:"log_file,optional" json:"log_file,omitempty"`
	Syslog  *SyslogBlock `hcl:"syslog,block" json:"syslog,omitempty"`
}

// Default returns a Config with every option set to the default named in
// spec.md §6.
func Default() *Config {
	return &Config{
		SchemaVersion:        "1.0",
		LBTable:              200,
		LBPref:               90,
		DebounceTime:         "2s",
		HealthCheckEnabled:   boolPtr(true),
		HealthCheckInterval:  "30s",
		HealthCheckTimeout:   "3s",
		FailureThreshold:     2,
		RecoveryThreshold:    1,
		ProbeTarget:          "1.1.1.1",
		ProbePort:            53,
		DrainingEnabled:      boolPtr(true),
		AffinityEnabled:      false,
		HysteresisEnabled:    boolPtr(true),
		BackoffBase:          "30s",
		BackoffMax:           "300s",
		HoldDown:             "60s",
		ConsistentNAT:        boolPtr(true),
		NeighborReachability: boolPtr(true),
		LogLevel:             "info",
	}
}

func boolPtr(b bool) *bool { return &b }

// applyDefaults fills zero-valued fields that HCL left unset. HCL's
// "optional" tag leaves a field at its Go zero value when absent from the
// file, so defaulting happens as a second pass rather than via struct tags.
// The five options that default to true use *bool so "absent" (nil) can be
// told apart from "explicitly set to false".
func applyDefaults(c *Config) {
	d := Default()
	if c.SchemaVersion == "" {
		c.SchemaVersion = d.SchemaVersion
	}
	if c.LBTable == 0 {
		c.LBTable = d.LBTable
	}
	if c.LBPref == 0 {
		c.LBPref = d.LBPref
	}
	if c.DebounceTime == "" {
		c.DebounceTime = d.DebounceTime
	}
	if c.HealthCheckEnabled == nil {
		c.HealthCheckEnabled = d.HealthCheckEnabled
	}
	if c.HealthCheckInterval == "" {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.HealthCheckTimeout == "" {
		c.HealthCheckTimeout = d.HealthCheckTimeout
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryThreshold == 0 {
		c.RecoveryThreshold = d.RecoveryThreshold
	}
	if c.ProbeTarget == "" {
		c.ProbeTarget = d.ProbeTarget
	}
	if c.ProbePort == 0 {
		c.ProbePort = d.ProbePort
	}
	if c.DrainingEnabled == nil {
		c.DrainingEnabled = d.DrainingEnabled
	}
	if c.HysteresisEnabled == nil {
		c.HysteresisEnabled = d.HysteresisEnabled
	}
	if c.BackoffBase == "" {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax == "" {
		c.BackoffMax = d.BackoffMax
	}
	if c.HoldDown == "" {
		c.HoldDown = d.HoldDown
	}
	if c.ConsistentNAT == nil {
		c.ConsistentNAT = d.ConsistentNAT
	}
	if c.NeighborReachability == nil {
		c.NeighborReachability = d.NeighborReachability
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.Syslog != nil {
		if c.Syslog.Port == 0 {
			c.Syslog.Port = 514
		}
		if c.Syslog.Protocol == "" {
			c.Syslog.Protocol = "udp"
		}
		if c.Syslog.Tag == "" {
			c.Syslog.Tag = "egressd"
		}
		if c.Syslog.Facility == 0 {
			c.Syslog.Facility = 1
		}
	}
}

// Durations holds the parsed time.Duration form of every *_time/*_interval/
// *_timeout/backoff_*/hold_down string field, computed once after load.
type Durations struct {
	Debounce            time.Duration
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	HoldDown            time.Duration
}

// ParseDurations parses the configured duration strings. Call after Load or
// applyDefaults; a malformed duration string is a validation error, not a
// panic.
func (c *Config) ParseDurations() (Durations, error) {
	var d Durations
	var err error
	if d.Debounce, err = time.ParseDuration(c.DebounceTime); err != nil {
		return d, fieldErr("debounce_time", err)
	}
	if d.HealthCheckInterval, err = time.ParseDuration(c.HealthCheckInterval); err != nil {
		return d, fieldErr("health_check_interval", err)
	}
	if d.HealthCheckTimeout, err = time.ParseDuration(c.HealthCheckTimeout); err != nil {
		return d, fieldErr("health_check_timeout", err)
	}
	if d.BackoffBase, err = time.ParseDuration(c.BackoffBase); err != nil {
		return d, fieldErr("backoff_base", err)
	}
	if d.BackoffMax, err = time.ParseDuration(c.BackoffMax); err != nil {
		return d, fieldErr("backoff_max", err)
	}
	if d.HoldDown, err = time.ParseDuration(c.HoldDown); err != nil {
		return d, fieldErr("hold_down", err)
	}
	return d, nil
}

// IsHealthCheckEnabled reports whether active probing is enabled (default true).
func (c *Config) IsHealthCheckEnabled() bool { return c.HealthCheckEnabled == nil || *c.HealthCheckEnabled }

// IsDrainingEnabled reports whether the draining table is built (default true).
func (c *Config) IsDrainingEnabled() bool { return c.DrainingEnabled == nil || *c.DrainingEnabled }

// IsHysteresisEnabled reports whether HoldDown is used on recovery (default true).
func (c *Config) IsHysteresisEnabled() bool { return c.HysteresisEnabled == nil || *c.HysteresisEnabled }

// IsConsistentNAT reports whether per-oifname masquerade rules are used (default true).
func (c *Config) IsConsistentNAT() bool { return c.ConsistentNAT == nil || *c.ConsistentNAT }

// IsNeighborReachability reports whether probes are gated on the neighbor
// cache (default true).
func (c *Config) IsNeighborReachability() bool {
	return c.NeighborReachability == nil || *c.NeighborReachability
}
