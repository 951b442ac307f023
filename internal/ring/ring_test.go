package ring

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordSlot_RejectsNonMonotonic(t *testing.T) {
	r := New(10, 60)
	require.NoError(t, r.RecordSlot(5, 300, true))
	assert.Error(t, r.RecordSlot(3, 180, false))
}

func TestExceedanceRatio_ExcludesGapsFromDenominator(t *testing.T) {
	r := New(10, 60)
	// slots 0 and 1 recorded, slot 2 skipped (gap), slot 3 high.
	require.NoError(t, r.RecordSlot(0, 0, false))
	require.NoError(t, r.RecordSlot(1, 60, false))
	require.NoError(t, r.RecordSlot(3, 180, true))

	ratio, known := r.ExceedanceRatio()
	assert.Equal(t, 3, known) // gap at slot 2 is excluded, not counted as baseline
	assert.InDelta(t, 1.0/3.0, ratio, 1e-9)
}

func TestConsecutiveBaselineSinceHigh_StopsAtGap(t *testing.T) {
	r := New(10, 60)
	require.NoError(t, r.RecordSlot(0, 0, true))
	require.NoError(t, r.RecordSlot(1, 60, false))
	require.NoError(t, r.RecordSlot(2, 120, false))
	// slot 3 is a gap
	require.NoError(t, r.RecordSlot(4, 240, false))

	assert.Equal(t, 1, r.ConsecutiveBaselineSinceHigh())
}

func TestSaveLoad_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ring.json")

	r := New(10, 60)
	require.NoError(t, r.RecordSlot(0, 0, true))
	require.NoError(t, r.RecordSlot(1, 60, false))
	require.NoError(t, r.Save(path, "test"))

	loaded, err := Load(path, 10, 60)
	require.NoError(t, err)
	assert.Equal(t, r.LastSlotIndex(), loaded.LastSlotIndex())
	assert.Equal(t, r.LastSlotStartTS(), loaded.LastSlotStartTS())

	ratio, known := loaded.ExceedanceRatio()
	wantRatio, wantKnown := r.ExceedanceRatio()
	assert.Equal(t, wantKnown, known)
	assert.InDelta(t, wantRatio, ratio, 1e-9)
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"), 10, 60)
	assert.Error(t, err)
}

func TestSlotIndexForTime(t *testing.T) {
	assert.Equal(t, int64(0), SlotIndexForTime(0, 60))
	assert.Equal(t, int64(0), SlotIndexForTime(59, 60))
	assert.Equal(t, int64(1), SlotIndexForTime(60, 60))
	assert.Equal(t, int64(10), SlotIndexForTime(600, 60))
}

func TestLoad_RemapsOntoSmallerCapacity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ring.json")

	r := New(20, 60)
	for i := int64(0); i < 15; i++ {
		require.NoError(t, r.RecordSlot(i, i*60, i%3 == 0))
	}
	require.NoError(t, r.Save(path, "test"))

	loaded, err := Load(path, 5, 60)
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.Capacity())
	assert.Equal(t, int64(14), loaded.LastSlotIndex())
}
