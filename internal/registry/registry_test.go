package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile(t *testing.T) {
	reg, err := LoadFile("testdata/universe.yaml")
	require.NoError(t, err)

	assert.Equal(t, 4, reg.Expected())
	enabled := reg.Enabled()
	require.Len(t, enabled, 4)
	assert.Equal(t, "AAPL", enabled[0].Identifier)
	assert.Equal(t, "TSLA", enabled[3].Identifier)
	assert.NoError(t, reg.Complete())

	gme, err := reg.Get("GME")
	require.NoError(t, err)
	assert.False(t, gme.IsEnabled())
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile("testdata/nope.yaml")
	assert.Error(t, err)
}

func TestParse_Duplicate(t *testing.T) {
	_, err := Parse([]byte("expected: 2\ninstruments:\n  - identifier: AAPL\n  - identifier: AAPL\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestParse_MissingExpected(t *testing.T) {
	_, err := Parse([]byte("instruments:\n  - identifier: AAPL\n"))
	assert.Error(t, err)
}

func TestComplete_Partial(t *testing.T) {
	reg, err := Parse([]byte("expected: 46\ninstruments:\n  - identifier: AAPL\n  - identifier: MSFT\n"))
	require.NoError(t, err)
	err = reg.Complete()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 46")
}

func TestGet_NotFound(t *testing.T) {
	reg, err := Parse([]byte("expected: 1\ninstruments:\n  - identifier: AAPL\n"))
	require.NoError(t, err)
	_, err = reg.Get("MSFT")
	assert.Contains(t, err.Error(), "not found")
}
