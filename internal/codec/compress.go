package codec

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression algorithms understood by Compressed
const (
	CompressionNone = ""
	CompressionS2   = "s2"
	CompressionZstd = "zstd"
)

// maxDecodedSize bounds decompression output
const maxDecodedSize = 64 << 20

var errTooLarge = errors.New("decompressed payload too large")

// compressed wraps a Codec and compresses its output
type compressed struct {
	inner Codec
	algo  string
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// Compressed returns inner with its output compressed by algo. Both peers
// must use the same algorithm. CompressionNone returns inner unchanged.
func Compressed(inner Codec, algo string) (Codec, error) {
	switch algo {
	case CompressionNone:
		return inner, nil
	case CompressionS2:
		return &compressed{inner: inner, algo: algo}, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		return &compressed{inner: inner, algo: algo, enc: enc, dec: dec}, nil
	default:
		return nil, fmt.Errorf("unknown compression %q (valid: s2, zstd)", algo)
	}
}

// Name implements Codec
func (c *compressed) Name() string { return c.inner.Name() + "+" + c.algo }

// Marshal implements Codec
func (c *compressed) Marshal(v any) ([]byte, error) {
	data, err := c.inner.Marshal(v)
	if err != nil {
		return nil, err
	}
	switch c.algo {
	case CompressionS2:
		return s2.Encode(nil, data), nil
	default:
		return c.enc.EncodeAll(data, nil), nil
	}
}

// Unmarshal implements Codec
func (c *compressed) Unmarshal(data []byte) (any, error) {
	var (
		plain []byte
		err   error
	)
	switch c.algo {
	case CompressionS2:
		n, lerr := s2.DecodedLen(data)
		if lerr != nil {
			return nil, fmt.Errorf("s2 decode: %w", lerr)
		}
		if n > maxDecodedSize {
			return nil, errTooLarge
		}
		plain, err = s2.Decode(nil, data)
	default:
		plain, err = c.dec.DecodeAll(data, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("%s decode: %w", c.algo, err)
	}
	return c.inner.Unmarshal(plain)
}
