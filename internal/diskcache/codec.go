package diskcache

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// codec decompresses one kind of source file.
type codec struct {
	suffix string
	open   func(io.Reader) (io.ReadCloser, error)
	// size estimates the decompressed size from the compressed file, or
	// returns ok=false when the stream does not record it.
	size func(f *os.File, compressed int64) (int64, bool)
}

var codecs = []codec{
	{suffix: ".gz", open: openGzip, size: gzipSize},
	{suffix: ".zst", open: openZstd, size: zstdSize},
	{suffix: ".lz4", open: openLZ4, size: noSize},
}

// codecFor returns the codec for path, or nil for a plain file.
func codecFor(path string) *codec {
	for i := range codecs {
		if strings.HasSuffix(path, codecs[i].suffix) {
			return &codecs[i]
		}
	}
	return nil
}

// Compressed reports whether path would be decompressed into the cache.
func Compressed(path string) bool { return codecFor(path) != nil }

// TrimCompression strips a known compression suffix.
func TrimCompression(path string) string {
	if c := codecFor(path); c != nil {
		return strings.TrimSuffix(path, c.suffix)
	}
	return path
}

func openGzip(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

func openZstd(r io.Reader) (io.ReadCloser, error) {
	d, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return d.IOReadCloser(), nil
}

func openLZ4(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

// gzipSize reads ISIZE, the uncompressed length modulo 2^32, from the
// member trailer.
func gzipSize(f *os.File, compressed int64) (int64, bool) {
	if compressed < 18 {
		return 0, false
	}
	var trailer [4]byte
	if _, err := f.ReadAt(trailer[:], compressed-4); err != nil {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint32(trailer[:])), true
}

func zstdSize(f *os.File, _ int64) (int64, bool) {
	buf := make([]byte, zstd.HeaderMaxSize)
	n, err := f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return 0, false
	}
	var h zstd.Header
	if err := h.Decode(buf[:n]); err != nil || !h.HasFCS {
		return 0, false
	}
	return int64(h.FrameContentSize), true
}

func noSize(*os.File, int64) (int64, bool) { return 0, false }

// decompress writes src through c into dst and returns the byte count.
func (c *codec) decompress(dst io.Writer, src *os.File) (int64, error) {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	r, err := c.open(src)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", c.suffix, err)
	}
	defer func() { _ = r.Close() }()
	n, err := io.Copy(dst, r)
	if err != nil {
		return n, fmt.Errorf("%s: %w", c.suffix, err)
	}
	return n, nil
}
