// Package netfallback implements NetFallbackState (spec.md §4.6): a
// shape-aware predicate that decides whether NetGenerator should be
// admitting traffic, debounced and ramped so it does not chatter.
// Grounded on original_source/loadshaper.py's NetworkFallbackState
// (should_activate / get_ramped_target).
package netfallback

import "time"

// Mode selects the activation policy.
type Mode string

const (
	ModeAdaptive Mode = "adaptive"
	ModeAlways   Mode = "always"
	ModeOff      Mode = "off"
)

// Config bundles the timing and threshold knobs.
type Config struct {
	Mode           Mode
	MinOn          time.Duration
	MinOff         time.Duration
	Debounce       time.Duration
	RiskThreshold  float64 // cpu/mem "at risk" ceiling
	StartThreshold float64 // net "at risk" ceiling (activate below this)
	StopThreshold  float64 // net hysteresis ceiling (deactivate above this)
	RampDuration   time.Duration
	RequireMem     bool // true for shapes with MemPolicyEnabled (A1.Flex)
}

// State tracks the sticky activation timing the predicate depends on.
type State struct {
	cfg Config

	active          bool
	lastChange      time.Time
	lastActivation  time.Time
	lastDeactivation time.Time
	activationCount uint64
}

// New creates a State in the inactive, never-changed position.
func New(cfg Config) *State {
	return &State{cfg: cfg}
}

// ShouldActivate evaluates the predicate for the current tick and updates
// the sticky state. cpuP95, netAvg, memAvg follow spec.md §4.6: a nil-like
// "unknown" is expressed via the *Known flags, since Go has no None.
func (s *State) ShouldActivate(now time.Time, cpuP95 float64, cpuP95Known bool, netAvg float64, netAvgKnown bool, memAvg float64, memAvgKnown bool) bool {
	switch s.cfg.Mode {
	case ModeOff:
		return false
	case ModeAlways:
		return true
	case ModeAdaptive:
		// fall through
	default:
		return false
	}

	if s.active && now.Sub(s.lastActivation) < s.cfg.MinOn {
		return true
	}
	if !s.active && !s.lastDeactivation.IsZero() && now.Sub(s.lastDeactivation) < s.cfg.MinOff {
		return false
	}
	if !s.lastChange.IsZero() && now.Sub(s.lastChange) < s.cfg.Debounce {
		return s.active
	}

	cpuAtRisk := cpuP95Known && cpuP95 < s.cfg.RiskThreshold
	netAtRisk := netAvgKnown && netAvg < s.cfg.StartThreshold
	shouldActivate := cpuAtRisk && netAtRisk

	if s.cfg.RequireMem {
		memAtRisk := memAvgKnown && memAvg < s.cfg.RiskThreshold
		shouldActivate = shouldActivate && memAtRisk
	}

	if s.active && netAvgKnown && netAvg > s.cfg.StopThreshold {
		shouldActivate = false
	}

	if shouldActivate != s.active {
		s.active = shouldActivate
		s.lastChange = now
		if shouldActivate {
			s.activationCount++
			s.lastActivation = now
		} else {
			s.lastDeactivation = now
		}
	}

	return s.active
}

// Active reports the last computed activation state without re-evaluating.
func (s *State) Active() bool { return s.active }

// ActivationCount is exposed for telemetry.
func (s *State) ActivationCount() uint64 { return s.activationCount }

// RampedTarget linearly interpolates from baseTarget to fallbackTarget
// over RampDuration seconds since the state last activated, so the
// generator does not jump straight to the fallback rate.
func (s *State) RampedTarget(now time.Time, baseTarget, fallbackTarget float64) float64 {
	if !s.active {
		return baseTarget
	}
	if s.cfg.RampDuration <= 0 {
		return fallbackTarget
	}
	elapsed := now.Sub(s.lastActivation)
	if elapsed >= s.cfg.RampDuration {
		return fallbackTarget
	}
	progress := float64(elapsed) / float64(s.cfg.RampDuration)
	return baseTarget + (fallbackTarget-baseTarget)*progress
}
