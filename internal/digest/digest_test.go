package digest

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumIsDeterministicAndSizeAware(t *testing.T) {
	a := Sum([]byte("hello"))
	b := Sum([]byte("hello"))
	assert.Equal(t, a, b)
	assert.Equal(t, int64(5), a.Size())
}

func TestParseRoundTripsString(t *testing.T) {
	d := Sum([]byte("round trip"))
	got, err := Parse(d.String(), d.Size())
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestIsZero(t *testing.T) {
	assert.True(t, Digest{}.IsZero())
	assert.False(t, Sum([]byte("x")).IsZero())
}

// A bare struct embedding a Digest, standing in for actioncache.Result,
// which gob-encodes its Digest fields directly rather than through a
// DigestHex/DigestSize proxy the way manifest.go's gobEntry does.
type wrapper struct {
	D Digest
}

func TestDigestSurvivesGobRoundTripWithNoExportedFields(t *testing.T) {
	d := Sum([]byte("payload worth keeping"))

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(wrapper{D: d}))

	var out wrapper
	require.NoError(t, gob.NewDecoder(&buf).Decode(&out))

	assert.Equal(t, d, out.D)
	assert.False(t, out.D.IsZero())
	assert.Equal(t, d.String(), out.D.String())
}

func TestEncoderDigestSliceSortsAndIsOrderIndependent(t *testing.T) {
	a := Sum([]byte("a"))
	b := Sum([]byte("b"))

	e1 := NewEncoder().DigestSlice([]Digest{a, b}).Sum()
	e2 := NewEncoder().DigestSlice([]Digest{b, a}).Sum()
	assert.Equal(t, e1, e2)
}
