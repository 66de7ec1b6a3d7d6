package core

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Payload compression names carried in PropCompression.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

// Compress encodes data with the named algorithm.
func Compress(name string, data []byte) ([]byte, error) {
	switch name {
	case "", CompressionNone:
		return data, nil
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("relaymux: gzip: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("relaymux: gzip: %w", err)
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("relaymux: zstd: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	}
	return nil, InvalidArgument("compress", fmt.Sprintf("unsupported compression %q", name))
}

// DefaultMaxPayloadSize is the decompressed size cap used when
// payload.max-size is unset.
const DefaultMaxPayloadSize int64 = 64 << 20

// ErrPayloadTooLarge is returned when a payload decompresses past its cap.
var ErrPayloadTooLarge = errors.New("relaymux: decompressed payload too large")

// Decompress reverses Compress with the default size cap.
func Decompress(name string, data []byte) ([]byte, error) {
	return DecompressLimit(name, data, DefaultMaxPayloadSize)
}

// DecompressLimit reverses Compress and fails with ErrPayloadTooLarge once the
// output exceeds limit bytes. A limit of zero or less means
// DefaultMaxPayloadSize.
func DecompressLimit(name string, data []byte, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxPayloadSize
	}
	switch name {
	case "", CompressionNone:
		return data, nil
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("relaymux: gunzip: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(io.LimitReader(r, limit+1))
		if err != nil {
			return nil, fmt.Errorf("relaymux: gunzip: %w", err)
		}
		if int64(len(out)) > limit {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrPayloadTooLarge, limit)
		}
		return out, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(uint64(limit)))
		if err != nil {
			return nil, fmt.Errorf("relaymux: zstd: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) || int64(len(out)) > limit {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrPayloadTooLarge, limit)
		}
		if err != nil {
			return nil, fmt.Errorf("relaymux: zstd: %w", err)
		}
		return out, nil
	}
	return nil, InvalidArgument("decompress", fmt.Sprintf("unsupported compression %q", name))
}
