package memoryocc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDormant_ZeroTargetIsDormant(t *testing.T) {
	o := New(Config{TargetPct: 0})
	assert.True(t, o.Dormant())
}

func TestDormant_PositiveTargetIsActive(t *testing.T) {
	o := New(Config{TargetPct: 10})
	assert.False(t, o.Dormant())
}

func TestGrowRelease_TracksResidentMB(t *testing.T) {
	o := New(Config{StepMB: 4})
	assert.Equal(t, 0, o.ResidentMB())

	o.growOne()
	assert.Equal(t, 4, o.ResidentMB())

	o.growOne()
	assert.Equal(t, 8, o.ResidentMB())

	o.releaseOne()
	assert.Equal(t, 4, o.ResidentMB())
}

func TestReleaseOne_OnEmptyIsNoop(t *testing.T) {
	o := New(Config{StepMB: 4})
	o.releaseOne()
	assert.Equal(t, 0, o.ResidentMB())
}

func TestStep_DormantIsNoop(t *testing.T) {
	o := New(Config{TargetPct: 0})
	lastTouch := time.Now().Add(-time.Hour)
	got := o.Step(time.Now(), lastTouch)
	assert.Equal(t, lastTouch, got)
	assert.Equal(t, 0, o.ResidentMB())
}

func TestSetLoadGateHot_ReflectsInField(t *testing.T) {
	o := New(Config{TargetPct: 10})
	assert.False(t, o.loadGateHot.Load())
	o.SetLoadGateHot(true)
	assert.True(t, o.loadGateHot.Load())
}

func TestTouchAll_DoesNotPanicOnAllocatedBuffer(t *testing.T) {
	o := New(Config{StepMB: 1})
	o.growOne()
	assert.NotPanics(t, o.touchAll)
}
