// Package payload provides size-gated compression for values crossing
// tier boundaries.
package payload

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

const (
	// DefaultMinSizeBytes is the threshold below which data is not compressed
	DefaultMinSizeBytes = 1024

	// maxDecompressedBytes bounds decompression output to prevent
	// decompression bombs
	maxDecompressedBytes = 100 * 1024 * 1024
)

// Codec compresses and decompresses payloads. Compression is applied only
// when the input exceeds the size threshold and actually shrinks the data.
type Codec struct {
	compressionLevel int
	minSizeBytes     int
}

// NewCodec creates a codec with the default threshold and fast compression
func NewCodec() *Codec {
	return &Codec{
		compressionLevel: gzip.BestSpeed, // fast compression for cache traffic
		minSizeBytes:     DefaultMinSizeBytes,
	}
}

// NewCodecWithMinSize creates a codec with a custom compression threshold
func NewCodecWithMinSize(minSizeBytes int) *Codec {
	c := NewCodec()
	if minSizeBytes > 0 {
		c.minSizeBytes = minSizeBytes
	}
	return c
}

// Compress returns the compressed form of data, or data unchanged when it is
// below the size threshold or compression does not reduce its size.
func (c *Codec) Compress(data []byte) ([]byte, error) {
	if len(data) < c.minSizeBytes {
		return data, nil
	}

	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, c.compressionLevel)
	if err != nil {
		return nil, err
	}
	if _, err := gz.Write(data); err != nil {
		_ = gz.Close()
		return nil, fmt.Errorf("compression write failed: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}

	if buf.Len() >= len(data) {
		return data, nil
	}
	return buf.Bytes(), nil
}

// Decompress returns the decompressed form of data. Data that does not carry
// the gzip magic bytes is passed through unchanged, so values written before
// compression was enabled still decode.
func (c *Codec) Decompress(data []byte) ([]byte, error) {
	if !IsCompressed(data) {
		return data, nil
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = gz.Close()
	}()

	return io.ReadAll(io.LimitReader(gz, maxDecompressedBytes))
}

// Ratio returns the compression ratio achieved for the given data
func (c *Codec) Ratio(data []byte) (float64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	compressed, err := c.Compress(data)
	if err != nil {
		return 0, err
	}
	return 1.0 - float64(len(compressed))/float64(len(data)), nil
}

// IsCompressed reports whether data starts with the gzip magic bytes
func IsCompressed(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}
