package shape

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup_KnownShapes(t *testing.T) {
	for _, name := range Names() {
		tmpl, err := Lookup(name)
		require.NoError(t, err)
		assert.Equal(t, name, tmpl.Name)
		assert.Less(t, tmpl.P95Min, tmpl.P95Max)
		assert.Less(t, tmpl.BaselineIntensity, tmpl.HighIntensity)
	}
}

func TestLookup_EmptyNameIsZeroValue(t *testing.T) {
	tmpl, err := Lookup("")
	require.NoError(t, err)
	assert.Equal(t, Template{}, tmpl)
}

func TestLookup_UnknownShape(t *testing.T) {
	_, err := Lookup("E5.Nonexistent")
	assert.Error(t, err)
}

func TestA1FlexRequiresMemoryPolicy(t *testing.T) {
	tmpl, err := Lookup(A1Flex)
	require.NoError(t, err)
	assert.True(t, tmpl.MemPolicyEnabled)
	assert.Greater(t, tmpl.MemTargetPct, 0.0)
}

func TestE2ShapesHaveNoMemoryPolicy(t *testing.T) {
	for _, name := range []string{E2Micro1, E2Micro2} {
		tmpl, err := Lookup(name)
		require.NoError(t, err)
		assert.False(t, tmpl.MemPolicyEnabled)
	}
}
