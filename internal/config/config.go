// Package config loads and validates freetierd's flat option set.
//
// Options are resolved with strict priority: explicit overrides (config
// file or environment variable; no command-line option flags are read)
// beat the named shape template's
// defaults, which beat freetierd's own built-in defaults. This mirrors
// the viper cascade the teacher uses for its own config, extended with a
// second, shape-dependent default layer applied before the final
// Unmarshal.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/dkasprzak/freetierd/internal/shape"
)

// Config holds every runtime option recognized by freetierd.
type Config struct {
	// ── Storage ──────────────────────────────────────────────────────────
	DataDir string `mapstructure:"data_dir"`

	// ── Shape selection ──────────────────────────────────────────────────
	Shape string `mapstructure:"shape"`

	// ── Coordinator ──────────────────────────────────────────────────────
	TickIntervalSec int `mapstructure:"tick_interval_sec"`

	// ── MetricsStore ─────────────────────────────────────────────────────
	P95CacheTTLSec           int `mapstructure:"p95_cache_ttl_sec"`
	ConsistencyProbeInterval int `mapstructure:"consistency_probe_interval_sec"`
	PurgeIntervalSec         int `mapstructure:"purge_interval_sec"`
	RetentionDays            int `mapstructure:"retention_days"`

	// ── P95Controller ────────────────────────────────────────────────────
	P95Min                 float64 `mapstructure:"p95_min"`
	P95Max                 float64 `mapstructure:"p95_max"`
	TargetRatioPct         float64 `mapstructure:"target_ratio_pct"`
	HighIntensityPct       float64 `mapstructure:"high_intensity_pct"`
	BaselineIntensityPct   float64 `mapstructure:"baseline_intensity_pct"`
	SlotDurationSec        int     `mapstructure:"slot_duration_sec"`
	RingCapacitySlots      int     `mapstructure:"ring_capacity_slots"`
	RingFlushEverySlots    int     `mapstructure:"ring_flush_every_slots"`
	MaxConsecutiveBaseline int     `mapstructure:"max_consecutive_baseline_slots"`
	CPUStopPct             float64 `mapstructure:"cpu_stop_pct"`
	LoadThreshold          float64 `mapstructure:"load_threshold_per_core"`
	LoadResumeThreshold    float64 `mapstructure:"load_resume_threshold_per_core"`

	// ── MemoryOccupier ───────────────────────────────────────────────────
	MemTargetPct        float64 `mapstructure:"mem_target_pct"`
	MemStopPct          float64 `mapstructure:"mem_stop_pct"`
	MemHysteresisPct    float64 `mapstructure:"mem_hysteresis_pct"`
	MemMinFreeMB        int     `mapstructure:"mem_min_free_mb"`
	MemStepMB           int     `mapstructure:"mem_step_mb"`
	MemTouchIntervalSec float64 `mapstructure:"mem_touch_interval_sec"`

	// ── NetFallbackState ─────────────────────────────────────────────────
	NetFallbackMode     string  `mapstructure:"net_fallback_mode"` // adaptive | always | off
	NetStartPct         float64 `mapstructure:"net_start_pct"`
	NetStopPct          float64 `mapstructure:"net_stop_pct"`
	NetRiskThresholdPct float64 `mapstructure:"net_risk_threshold_pct"`
	NetDebounceSec      int     `mapstructure:"net_debounce_sec"`
	NetMinOnSec         int     `mapstructure:"net_min_on_sec"`
	NetMinOffSec        int     `mapstructure:"net_min_off_sec"`
	NetRampSec          int     `mapstructure:"net_ramp_sec"`
	NetTargetRateMbps   float64 `mapstructure:"net_target_rate_mbps"`
	LinkBandwidthMbps   float64 `mapstructure:"link_bandwidth_mbps"`
	NetInterface        string  `mapstructure:"net_interface"`

	// ── NetGenerator ─────────────────────────────────────────────────────
	NetPeers               []string `mapstructure:"net_peers"`
	NetPeersFile           string   `mapstructure:"net_peers_file"`
	NetPort                int      `mapstructure:"net_port"`
	NetPacketSizeBytes     int      `mapstructure:"net_packet_size_bytes"`
	NetValidationTimeoutMs int      `mapstructure:"net_validation_timeout_ms"`
	NetMinTxDeltaBytes     int64    `mapstructure:"net_min_tx_delta_bytes"`
	NetReputationFloor     float64  `mapstructure:"net_reputation_floor"`
	NetConsecutiveErrLimit int      `mapstructure:"net_consecutive_error_limit"`
	NetErrorCooldownSec    int      `mapstructure:"net_error_cooldown_sec"`

	// ── Admin surface ────────────────────────────────────────────────────
	AdminListenAddr string `mapstructure:"admin_listen_addr"`
	AdminEnabled    bool   `mapstructure:"admin_enabled"`
}

// Load reads options from ./freetierd.yaml or $HOME/.freetierd/freetierd.yaml,
// applies FREETIERD_ environment overrides, then layers in the named shape's
// defaults for anything the operator did not set explicitly.
func Load() (*Config, error) {
	v := viper.New()
	setBuiltinDefaults(v)

	v.SetConfigName("freetierd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.freetierd")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("FREETIERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if name := v.GetString("shape"); name != "" {
		tmpl, err := shape.Lookup(name)
		if err != nil {
			return nil, fmt.Errorf("resolving shape: %w", err)
		}
		applyShapeDefaults(v, tmpl)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setBuiltinDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "/var/lib/freetierd")
	v.SetDefault("shape", "")

	v.SetDefault("tick_interval_sec", 5)

	v.SetDefault("p95_cache_ttl_sec", 300)
	v.SetDefault("consistency_probe_interval_sec", 3600)
	v.SetDefault("purge_interval_sec", 3600)
	v.SetDefault("retention_days", 7)

	v.SetDefault("p95_min", 22.0)
	v.SetDefault("p95_max", 28.0)
	v.SetDefault("target_ratio_pct", 6.5)
	v.SetDefault("high_intensity_pct", 35.0)
	v.SetDefault("baseline_intensity_pct", 20.0)
	v.SetDefault("slot_duration_sec", 60)
	v.SetDefault("ring_capacity_slots", 7*24*60)
	v.SetDefault("ring_flush_every_slots", 10)
	v.SetDefault("max_consecutive_baseline_slots", 120)
	v.SetDefault("cpu_stop_pct", 85.0)
	v.SetDefault("load_threshold_per_core", 0.6)
	v.SetDefault("load_resume_threshold_per_core", 0.4)

	v.SetDefault("mem_target_pct", 0.0)
	v.SetDefault("mem_stop_pct", 90.0)
	v.SetDefault("mem_hysteresis_pct", 2.0)
	v.SetDefault("mem_min_free_mb", 256)
	v.SetDefault("mem_step_mb", 64)
	v.SetDefault("mem_touch_interval_sec", 1.0)

	v.SetDefault("net_fallback_mode", "adaptive")
	v.SetDefault("net_start_pct", 19.0)
	v.SetDefault("net_stop_pct", 23.0)
	v.SetDefault("net_risk_threshold_pct", 22.0)
	v.SetDefault("net_debounce_sec", 30)
	v.SetDefault("net_min_on_sec", 60)
	v.SetDefault("net_min_off_sec", 30)
	v.SetDefault("net_ramp_sec", 10)
	v.SetDefault("net_target_rate_mbps", 5.0)
	v.SetDefault("link_bandwidth_mbps", 1000.0)
	v.SetDefault("net_interface", "")

	v.SetDefault("net_peers", []string{})
	v.SetDefault("net_peers_file", "")
	v.SetDefault("net_port", 15201)
	v.SetDefault("net_packet_size_bytes", 1400)
	v.SetDefault("net_validation_timeout_ms", 2000)
	v.SetDefault("net_min_tx_delta_bytes", int64(1024))
	v.SetDefault("net_reputation_floor", 20.0)
	v.SetDefault("net_consecutive_error_limit", 5)
	v.SetDefault("net_error_cooldown_sec", 30)

	v.SetDefault("admin_listen_addr", "127.0.0.1:8383")
	v.SetDefault("admin_enabled", true)
}

// applyShapeDefaults overwrites viper's default layer (not any explicitly
// set value) with the shape template's numbers. Because these are set as
// defaults rather than direct field writes, any value the operator supplied
// via config file or environment continues to take priority — viper's
// Get/Unmarshal only fall through to a default when nothing else set the key.
func applyShapeDefaults(v *viper.Viper, t shape.Template) {
	v.SetDefault("p95_min", t.P95Min)
	v.SetDefault("p95_max", t.P95Max)
	v.SetDefault("target_ratio_pct", t.TargetRatio)
	v.SetDefault("high_intensity_pct", t.HighIntensity)
	v.SetDefault("baseline_intensity_pct", t.BaselineIntensity)
	if t.MemPolicyEnabled {
		v.SetDefault("mem_target_pct", t.MemTargetPct)
	}
}

// MemPolicyEnabled reports whether the resolved shape (if any) counts
// memory utilization in the network-fallback predicate. Falls back to
// "enabled iff a nonzero memory target was configured" when no shape name
// was given, matching spec.md §4.6's "shape whose policy counts...
// memory".
func (c *Config) MemPolicyEnabled() bool {
	if c.Shape != "" {
		if t, err := shape.Lookup(c.Shape); err == nil {
			return t.MemPolicyEnabled
		}
	}
	return c.MemTargetPct > 0
}
