package querylog

import (
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Codec identifies the compression of a log object, derived from its key suffix.
type Codec string

const (
	CodecNone   Codec = "none"
	CodecGzip   Codec = "gzip"
	CodecZstd   Codec = "zstd"
	CodecSnappy Codec = "snappy"
)

// CodecFor returns the codec for an object key.
func CodecFor(key string) Codec {
	k := strings.ToLower(key)
	switch {
	case strings.HasSuffix(k, ".gz"), strings.HasSuffix(k, ".gzip"):
		return CodecGzip
	case strings.HasSuffix(k, ".zst"), strings.HasSuffix(k, ".zstd"):
		return CodecZstd
	case strings.HasSuffix(k, ".snappy"), strings.HasSuffix(k, ".sz"):
		return CodecSnappy
	default:
		return CodecNone
	}
}

// Decompress wraps r in a streaming decoder for codec. Closing the returned
// reader releases the decoder but does not close r.
func Decompress(codec Codec, r io.Reader) (io.ReadCloser, error) {
	switch codec {
	case CodecGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return zr, nil
	case CodecZstd:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return dec.IOReadCloser(), nil
	case CodecSnappy:
		// Framed stream format, as written by snappy.NewBufferedWriter.
		return io.NopCloser(snappy.NewReader(r)), nil
	case CodecNone, "":
		return io.NopCloser(r), nil
	default:
		return nil, fmt.Errorf("unknown codec %q", codec)
	}
}
