package config

import "fmt"

// InvalidError reports a fatal cross-parameter configuration problem,
// naming the offending options as spec.md §7's ConfigurationInvalid class
// requires.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", e.Reason)
}

// Validate cross-checks option values that individually parse fine but are
// mutually inconsistent. Load calls it, so the `check-config` subcommand,
// which only runs Load, also performs dry-run validation without starting
// the daemon.
func Validate(c *Config) error {
	if c.DataDir == "" {
		return &InvalidError{Reason: "data_dir must not be empty"}
	}
	if c.P95Min >= c.P95Max {
		return &InvalidError{Reason: fmt.Sprintf("p95_min (%.2f) must be less than p95_max (%.2f)", c.P95Min, c.P95Max)}
	}
	if c.BaselineIntensityPct < 20.0 {
		return &InvalidError{Reason: fmt.Sprintf("baseline_intensity_pct (%.2f) must be >= 20.0 so baseline slots alone satisfy the reclamation floor", c.BaselineIntensityPct)}
	}
	if c.BaselineIntensityPct >= c.HighIntensityPct {
		return &InvalidError{Reason: fmt.Sprintf("baseline_intensity_pct (%.2f) must be less than high_intensity_pct (%.2f)", c.BaselineIntensityPct, c.HighIntensityPct)}
	}
	if c.TargetRatioPct <= 0 || c.TargetRatioPct >= 100 {
		return &InvalidError{Reason: fmt.Sprintf("target_ratio_pct (%.2f) must be within (0, 100)", c.TargetRatioPct)}
	}
	if c.SlotDurationSec <= 0 {
		return &InvalidError{Reason: "slot_duration_sec must be positive"}
	}
	if c.RingCapacitySlots <= 0 {
		return &InvalidError{Reason: "ring_capacity_slots must be positive"}
	}
	if c.TickIntervalSec <= 0 {
		return &InvalidError{Reason: "tick_interval_sec must be positive"}
	}
	if c.LoadResumeThreshold >= c.LoadThreshold {
		return &InvalidError{Reason: fmt.Sprintf("load_resume_threshold_per_core (%.2f) must be less than load_threshold_per_core (%.2f)", c.LoadResumeThreshold, c.LoadThreshold)}
	}
	if c.MemTargetPct < 0 || c.MemTargetPct >= c.MemStopPct {
		return &InvalidError{Reason: fmt.Sprintf("mem_target_pct (%.2f) must be non-negative and less than mem_stop_pct (%.2f)", c.MemTargetPct, c.MemStopPct)}
	}
	if c.MemMinFreeMB < 0 {
		return &InvalidError{Reason: "mem_min_free_mb must not be negative"}
	}

	switch c.NetFallbackMode {
	case "adaptive", "always", "off":
	default:
		return &InvalidError{Reason: fmt.Sprintf("net_fallback_mode %q must be one of adaptive|always|off", c.NetFallbackMode)}
	}
	if c.NetMinOnSec < 0 || c.NetMinOffSec < 0 || c.NetDebounceSec < 0 {
		return &InvalidError{Reason: "net_min_on_sec, net_min_off_sec, and net_debounce_sec must be non-negative"}
	}
	if c.NetRiskThresholdPct <= 0 || c.NetRiskThresholdPct >= 100 {
		return &InvalidError{Reason: fmt.Sprintf("net_risk_threshold_pct (%.2f) must be within (0, 100)", c.NetRiskThresholdPct)}
	}
	if c.NetStartPct >= c.NetStopPct {
		return &InvalidError{Reason: fmt.Sprintf("net_start_pct (%.2f) must be less than net_stop_pct (%.2f)", c.NetStartPct, c.NetStopPct)}
	}
	if c.NetPacketSizeBytes <= 0 {
		return &InvalidError{Reason: "net_packet_size_bytes must be positive"}
	}
	if c.NetTargetRateMbps < 0 {
		return &InvalidError{Reason: "net_target_rate_mbps must not be negative"}
	}
	if c.NetPort <= 0 || c.NetPort > 65535 {
		return &InvalidError{Reason: fmt.Sprintf("net_port (%d) must be a valid TCP/UDP port", c.NetPort)}
	}

	return nil
}
