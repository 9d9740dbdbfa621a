package serialization

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/glimte/mmate-actors/config"
)

// Compressor compresses message bodies. Type is the value carried in the
// compression-type header so the consumer can pick the matching codec.
type Compressor interface {
	Type() config.CompressionType
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// NewCompressor returns the codec for a compression type. NONE yields a
// nil Compressor and no error.
func NewCompressor(t config.CompressionType) (Compressor, error) {
	switch config.CompressionType(strings.ToUpper(string(t))) {
	case "", config.CompressionNone:
		return nil, nil
	case config.CompressionGzip:
		return GzipCompressor{}, nil
	case config.CompressionZstd:
		z, err := NewZstdCompressor()
		if err != nil {
			return nil, err
		}
		return z, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, t)
}

// GzipCompressor uses klauspost gzip at the default level
type GzipCompressor struct{}

// Type implements Compressor
func (GzipCompressor) Type() config.CompressionType {
	return config.CompressionGzip
}

// Compress implements Compressor
func (GzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, &EncodeError{Op: "gzip", Err: err}
	}
	if err := w.Close(); err != nil {
		return nil, &EncodeError{Op: "gzip", Err: err}
	}
	return buf.Bytes(), nil
}

// Decompress implements Compressor
func (GzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Op: "gunzip", Err: err}
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, &DecodeError{Op: "gunzip", Err: err}
	}
	return out, nil
}

// ZstdCompressor shares one encoder and one decoder; EncodeAll and DecodeAll
// are safe for concurrent use.
type ZstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdCompressor creates a zstd codec
func NewZstdCompressor() (*ZstdCompressor, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &ZstdCompressor{enc: enc, dec: dec}, nil
}

// Type implements Compressor
func (z *ZstdCompressor) Type() config.CompressionType {
	return config.CompressionZstd
}

// Compress implements Compressor
func (z *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	return z.enc.EncodeAll(data, nil), nil
}

// Decompress implements Compressor
func (z *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := z.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, &DecodeError{Op: "unzstd", Err: err}
	}
	return out, nil
}

// Decompressors resolves the compression-type header of incoming deliveries
type Decompressors struct {
	gzip Compressor
	zstd Compressor
}

// NewDecompressors creates every supported codec up front so lookups are
// safe from concurrent consumer workers.
func NewDecompressors() (*Decompressors, error) {
	z, err := NewZstdCompressor()
	if err != nil {
		return nil, err
	}
	return &Decompressors{gzip: GzipCompressor{}, zstd: z}, nil
}

// Decompress undoes the compression named by headerValue. An empty or NONE
// value returns data unchanged.
func (d *Decompressors) Decompress(headerValue string, data []byte) ([]byte, error) {
	switch config.CompressionType(strings.ToUpper(headerValue)) {
	case "", config.CompressionNone:
		return data, nil
	case config.CompressionGzip:
		return d.gzip.Decompress(data)
	case config.CompressionZstd:
		return d.zstd.Decompress(data)
	}
	return nil, &DecodeError{Op: "decompress", Err: fmt.Errorf("%w: %q", ErrUnknownCompression, headerValue)}
}
