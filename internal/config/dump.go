// Copyright (C) 2026. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

// ToHCL renders the effective configuration (after defaulting) back as an
// HCL document, grounded on the teacher's toCtyValue/SetAttributeValue
// round-trip in internal/config/hcl.go. Operators use this to see exactly
// what egressd resolved every option to, including values the input file
// left unset.
func (c *Config) ToHCL() string {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	body.SetAttributeValue("schema_version", cty.StringVal(c.SchemaVersion))
	body.SetAttributeValue("lb_table", cty.NumberIntVal(int64(c.LBTable)))
	body.SetAttributeValue("lb_pref", cty.NumberIntVal(int64(c.LBPref)))
	body.SetAttributeValue("debounce_time", cty.StringVal(c.DebounceTime))
	body.SetAttributeValue("health_check_enabled", cty.BoolVal(c.IsHealthCheckEnabled()))
	body.SetAttributeValue("health_check_interval", cty.StringVal(c.HealthCheckInterval))
	body.SetAttributeValue("health_check_timeout", cty.StringVal(c.HealthCheckTimeout))
	body.SetAttributeValue("failure_threshold", cty.NumberIntVal(int64(c.FailureThreshold)))
	body.SetAttributeValue("recovery_threshold", cty.NumberIntVal(int64(c.RecoveryThreshold)))
	body.SetAttributeValue("probe_target", cty.StringVal(c.ProbeTarget))
	body.SetAttributeValue("probe_port", cty.NumberIntVal(int64(c.ProbePort)))
	body.SetAttributeValue("draining_enabled", cty.BoolVal(c.IsDrainingEnabled()))
	body.SetAttributeValue("affinity_enabled", cty.BoolVal(c.AffinityEnabled))
	body.SetAttributeValue("hysteresis_enabled", cty.BoolVal(c.IsHysteresisEnabled()))
	body.SetAttributeValue("backoff_base", cty.StringVal(c.BackoffBase))
	body.SetAttributeValue("backoff_max", cty.StringVal(c.BackoffMax))
	body.SetAttributeValue("hold_down", cty.StringVal(c.HoldDown))
	body.SetAttributeValue("consistent_nat", cty.BoolVal(c.IsConsistentNAT()))
	body.SetAttributeValue("neighbor_reachability", cty.BoolVal(c.IsNeighborReachability()))
	body.SetAttributeValue("log_level", cty.StringVal(c.LogLevel))
	if c.LogFile != "" {
		body.SetAttributeValue("log_file", cty.StringVal(c.LogFile))
	}

	if c.Syslog != nil {
		block := body.AppendNewBlock("syslog", nil)
		sb := block.Body()
		sb.SetAttributeValue("enabled", cty.BoolVal(c.Syslog.Enabled))
		sb.SetAttributeValue("host", cty.StringVal(c.Syslog.Host))
		sb.SetAttributeValue("port", cty.NumberIntVal(int64(c.Syslog.Port)))
		sb.SetAttributeValue("protocol", cty.StringVal(c.Syslog.Protocol))
		sb.SetAttributeValue("tag", cty.StringVal(c.Syslog.Tag))
		sb.SetAttributeValue("facility", cty.NumberIntVal(int64(c.Syslog.Facility)))
	}

	return string(f.Bytes())
}
