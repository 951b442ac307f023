package sensors

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRead_FirstTickCPUAndNetAreUnknown(t *testing.T) {
	s := New("", 1000)
	r, err := s.Read()
	require.NoError(t, err)
	assert.False(t, r.CPUKnown)
	assert.False(t, r.NetKnown)
}

func TestRead_SecondTickCPUBecomesKnown(t *testing.T) {
	s := New("", 1000)
	_, err := s.Read()
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	r2, err := s.Read()
	require.NoError(t, err)
	assert.True(t, r2.CPUKnown)
	assert.GreaterOrEqual(t, r2.CPUPct, 0.0)
	assert.LessOrEqual(t, r2.CPUPct, 100.0)
}

func TestRead_MemoryIsUsuallyKnown(t *testing.T) {
	s := New("", 1000)
	r, err := s.Read()
	require.NoError(t, err)
	if r.MemKnown {
		assert.GreaterOrEqual(t, r.MemPct, 0.0)
		assert.LessOrEqual(t, r.MemPct, 100.0)
	}
}
