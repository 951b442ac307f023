package netfallback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adaptiveConfig() Config {
	return Config{
		Mode:           ModeAdaptive,
		MinOn:          time.Minute,
		MinOff:         time.Minute,
		Debounce:       0,
		RiskThreshold:  22.0,
		StartThreshold: 19.0,
		StopThreshold:  23.0,
		RampDuration:   time.Minute,
	}
}

func TestShouldActivate_OffModeNeverActivates(t *testing.T) {
	s := New(Config{Mode: ModeOff})
	assert.False(t, s.ShouldActivate(time.Now(), 10, true, 5, true, 5, true))
}

func TestShouldActivate_AlwaysModeAlwaysActivates(t *testing.T) {
	s := New(Config{Mode: ModeAlways})
	assert.True(t, s.ShouldActivate(time.Now(), 100, true, 100, true, 100, true))
}

func TestShouldActivate_AdaptiveActivatesWhenBothAtRisk(t *testing.T) {
	s := New(adaptiveConfig())
	now := time.Now()
	got := s.ShouldActivate(now, 10, true, 10, true, 0, false)
	assert.True(t, got)
	assert.True(t, s.Active())
	assert.Equal(t, uint64(1), s.ActivationCount())
}

func TestShouldActivate_AdaptiveStaysOffWhenNetNotAtRisk(t *testing.T) {
	s := New(adaptiveConfig())
	got := s.ShouldActivate(time.Now(), 10, true, 50, true, 0, false)
	assert.False(t, got)
}

func TestShouldActivate_UnknownInputsNeverActivate(t *testing.T) {
	s := New(adaptiveConfig())
	got := s.ShouldActivate(time.Now(), 10, false, 10, true, 0, false)
	assert.False(t, got)
}

func TestShouldActivate_RequireMemGatesOnMemRisk(t *testing.T) {
	cfg := adaptiveConfig()
	cfg.RequireMem = true
	s := New(cfg)

	// cpu and net at risk but mem is not: should stay off.
	got := s.ShouldActivate(time.Now(), 10, true, 10, true, 90, true)
	assert.False(t, got)

	got = s.ShouldActivate(time.Now(), 10, true, 10, true, 10, true)
	assert.True(t, got)
}

func TestShouldActivate_MinOnKeepsActiveDespiteConditionsClearing(t *testing.T) {
	s := New(adaptiveConfig())
	now := time.Now()
	require.True(t, s.ShouldActivate(now, 10, true, 10, true, 0, false))

	// Conditions clear immediately, but MinOn should keep it sticky.
	got := s.ShouldActivate(now.Add(5*time.Second), 100, true, 100, true, 0, false)
	assert.True(t, got)
}

func TestShouldActivate_MinOffKeepsInactiveAfterDeactivation(t *testing.T) {
	cfg := adaptiveConfig()
	cfg.MinOn = 0
	s := New(cfg)
	now := time.Now()

	require.True(t, s.ShouldActivate(now, 10, true, 10, true, 0, false))
	// Push net above stop threshold to deactivate.
	require.False(t, s.ShouldActivate(now.Add(time.Second), 10, true, 30, true, 0, false))

	// Still within MinOff: stays inactive even if conditions look good again.
	got := s.ShouldActivate(now.Add(2*time.Second), 10, true, 10, true, 0, false)
	assert.False(t, got)
}

func TestRampedTarget_InactiveReturnsBase(t *testing.T) {
	s := New(adaptiveConfig())
	assert.Equal(t, 1.0, s.RampedTarget(time.Now(), 1.0, 5.0))
}

func TestRampedTarget_InterpolatesLinearly(t *testing.T) {
	cfg := adaptiveConfig()
	cfg.MinOn = 0
	s := New(cfg)
	now := time.Now()
	require.True(t, s.ShouldActivate(now, 10, true, 10, true, 0, false))

	mid := s.RampedTarget(now.Add(30*time.Second), 0.0, 10.0)
	assert.InDelta(t, 5.0, mid, 0.5)

	end := s.RampedTarget(now.Add(time.Minute), 0.0, 10.0)
	assert.Equal(t, 10.0, end)
}
