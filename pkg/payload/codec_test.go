package payload

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	codec := NewCodec()

	// Repetitive data well above the threshold compresses
	data := bytes.Repeat([]byte("the quick brown fox "), 200)
	compressed, err := codec.Compress(data)
	require.NoError(t, err)
	assert.True(t, IsCompressed(compressed))
	assert.Less(t, len(compressed), len(data))

	decompressed, err := codec.Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, data, decompressed)
}

func TestCompressSkipsSmallValues(t *testing.T) {
	codec := NewCodec()
	data := []byte("small value")

	out, err := codec.Compress(data)
	require.NoError(t, err)
	assert.Equal(t, data, out, "values under the threshold pass through")
	assert.False(t, IsCompressed(out))
}

func TestCompressSkipsIncompressible(t *testing.T) {
	codec := NewCodecWithMinSize(16)

	// High-entropy bytes do not shrink under gzip
	data := make([]byte, 2048)
	for i := range data {
		data[i] = byte(i*131 + i>>3)
	}
	out, err := codec.Compress(data)
	require.NoError(t, err)
	if !IsCompressed(out) {
		assert.Equal(t, data, out)
	}
}

func TestDecompressPassthrough(t *testing.T) {
	codec := NewCodec()
	data := []byte(`{"plain":"json stored before compression was enabled"}`)

	out, err := codec.Decompress(data)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestRatio(t *testing.T) {
	codec := NewCodec()

	ratio, err := codec.Ratio(bytes.Repeat([]byte("aaaa"), 1024))
	require.NoError(t, err)
	assert.Greater(t, ratio, 0.5)

	ratio, err = codec.Ratio(nil)
	require.NoError(t, err)
	assert.Zero(t, ratio)
}
