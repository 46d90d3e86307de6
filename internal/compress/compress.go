package compress

import (
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

type Algorithm string

const (
	Gzip Algorithm = "gzip"
	Lz4  Algorithm = "lz4"
	Zstd Algorithm = "zstd"
	None Algorithm = "none"
)

var extensions = map[Algorithm]string{
	Gzip: ".gz",
	Lz4:  ".lz4",
	Zstd: ".zst",
}

// Parse maps a config value to an Algorithm. Empty means gzip.
func Parse(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return Gzip, nil
	case Gzip, Lz4, Zstd, None:
		return a, nil
	default:
		return "", ErrUnsupportedAlgo(a)
	}
}

// Extension is the filename suffix an algorithm appends, "" for None.
func (a Algorithm) Extension() string {
	return extensions[a]
}

// DetectAlgorithm infers the algorithm from a filename suffix.
func DetectAlgorithm(name string) Algorithm {
	for algo, ext := range extensions {
		if strings.HasSuffix(name, ext) {
			return algo
		}
	}
	return None
}

// Algorithms lists the codecs that change the filename, in a fixed order.
func Algorithms() []Algorithm {
	return []Algorithm{Gzip, Zstd, Lz4}
}

// NewWriter wraps w with a compressing writer. Close flushes the codec but
// leaves w open.
func NewWriter(w io.Writer, algo Algorithm) (io.WriteCloser, error) {
	switch algo {
	case Gzip:
		return gzip.NewWriter(w), nil
	case Lz4:
		return lz4.NewWriter(w), nil
	case Zstd:
		return zstd.NewWriter(w)
	case None:
		return nopWriteCloser{w}, nil
	default:
		return nil, ErrUnsupportedAlgo(algo)
	}
}

// NewReader wraps r with a decompressing reader. Corrupt or truncated input
// surfaces as a read error, never as a short clean EOF.
func NewReader(r io.Reader, algo Algorithm) (io.ReadCloser, error) {
	switch algo {
	case Gzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return gz, nil
	case Lz4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case Zstd:
		z, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zstdReadCloser{z}, nil
	case None:
		return io.NopCloser(r), nil
	default:
		return nil, ErrUnsupportedAlgo(algo)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

type ErrUnsupportedAlgo Algorithm

func (e ErrUnsupportedAlgo) Error() string {
	return "unsupported compression algorithm: " + string(e)
}
