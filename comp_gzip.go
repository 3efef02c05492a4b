package squashfs

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	kgzip "github.com/klauspost/compress/gzip"
)

// gzipCompressor is the L2 gzip codec, backed by klauspost/compress for a
// faster encoder/decoder than the standard library's, matching the
// dependency the teacher already vendors (indirectly) for this purpose.
type gzipCompressor struct {
	level     int
	blockSize uint32
}

func newGzipCompressor() *gzipCompressor {
	return &gzipCompressor{level: kgzip.BestCompression}
}

func (g *gzipCompressor) Configure(blockSize uint32, flags SquashFlags) error {
	g.blockSize = blockSize
	return nil
}

// gzipOptions mirrors mksquashfs's compression options blob: compression
// level, a window size (unused by klauspost/compress but round-tripped
// verbatim) and a strategy bitmask.
type gzipOptions struct {
	CompressionLevel uint32
	WindowSize       uint16
	Strategies       uint16
}

func (g *gzipCompressor) WriteOptions() ([]byte, error) {
	opts := gzipOptions{CompressionLevel: uint32(g.level), WindowSize: 15}
	return marshalLE(opts)
}

func (g *gzipCompressor) ReadOptions(data []byte) error {
	var opts gzipOptions
	if err := unmarshalLE(data, &opts); err != nil {
		return err
	}
	if opts.CompressionLevel >= 1 && opts.CompressionLevel <= 9 {
		g.level = int(opts.CompressionLevel)
	}
	return nil
}

func (g *gzipCompressor) ExtraHelp() string {
	return "gzip: level=1-9 (default 9, best compression)"
}

func (g *gzipCompressor) SetExtra(key, value string) error {
	switch key {
	case "level":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 || n > 9 {
			return fmt.Errorf("gzip: level must be 1-9, got %q", value)
		}
		g.level = n
		return nil
	default:
		return fmt.Errorf("gzip: unrecognized comp-extra key %q", key)
	}
}

func (g *gzipCompressor) Compress(dst, src []byte) (int, error) {
	var buf bytes.Buffer
	buf.Grow(len(src))
	w, err := kgzip.NewWriterLevel(&buf, g.level)
	if err != nil {
		return 0, err
	}
	if _, err := w.Write(src); err != nil {
		w.Close()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	if buf.Len() >= len(src) || buf.Len() > len(dst) {
		return 0, ErrDoNotCompress
	}
	n := copy(dst, buf.Bytes())
	return n, nil
}

func (g *gzipCompressor) Decompress(dst, src []byte) (int, error) {
	r, err := kgzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return 0, newErr(KindCorrupt, "gzip block", err)
	}
	defer r.Close()
	n, err := io.ReadFull(r, dst)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return n, newErr(KindCorrupt, "gzip block", err)
	}
	return n, nil
}
