package urlpath

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocationSet(t *testing.T) {
	var l Location

	require.NoError(t, l.Set("example.org/fw/app"))
	assert.Equal(t, "example.org", l.Host)
	assert.Equal(t, "fw/app", l.Path)

	require.NoError(t, l.Set("example.org"))
	assert.Equal(t, "example.org", l.Host)
	assert.Equal(t, "", l.Path)

	// Case is preserved, no decoding happens.
	require.NoError(t, l.Set("Example.ORG/Path%20With%2FEscape"))
	assert.Equal(t, "Example.ORG", l.Host)
	assert.Equal(t, "Path%20With%2FEscape", l.Path)
}

func TestLocationSetTooLong(t *testing.T) {
	var l Location
	err := l.Set(strings.Repeat("a", MaxHostLen+1) + "/x")
	require.Error(t, err)
	var tooLong *ErrTooLong
	require.ErrorAs(t, err, &tooLong)
	assert.Equal(t, "host", tooLong.Field)
}

func TestAppendPath(t *testing.T) {
	var l Location
	require.NoError(t, l.Set("example.org/fw"))
	require.NoError(t, l.AppendPath("app.bin"))
	assert.Equal(t, "fw/app.bin", l.Path)

	var empty Location
	require.NoError(t, empty.Set("example.org"))
	require.NoError(t, empty.AppendPath("app.bin"))
	assert.Equal(t, "app.bin", empty.Path)
}

func TestAppendPathTooLong(t *testing.T) {
	var l Location
	require.NoError(t, l.Set("example.org/"+strings.Repeat("a", MaxPathLen-1)))
	err := l.AppendPath("x")
	require.Error(t, err)
}
