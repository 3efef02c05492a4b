package squashfs

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/ulikunitz/xz"
)

// xzCompressor is the L2 xz codec, adapted from the teacher's build-tagged
// comp_xz.go: kept as ulikunitz/xz, but now a first-class codec rather than
// opt-in behind a build tag, since the factory in compressor.go is the only
// place that should know which codecs exist.
type xzCompressor struct {
	dictSize uint32
}

func newXZCompressor() *xzCompressor {
	return &xzCompressor{dictSize: 1 << 20}
}

func (x *xzCompressor) Configure(blockSize uint32, flags SquashFlags) error {
	if blockSize > x.dictSize {
		x.dictSize = blockSize
	}
	return nil
}

type xzOptions struct {
	DictionarySize uint32
	Filters        uint32
	E              uint32
	Flags          uint16
}

func (x *xzCompressor) WriteOptions() ([]byte, error) {
	return marshalLE(xzOptions{DictionarySize: x.dictSize})
}

func (x *xzCompressor) ReadOptions(data []byte) error {
	var opts xzOptions
	if err := unmarshalLE(data, &opts); err != nil {
		return err
	}
	if opts.DictionarySize != 0 {
		x.dictSize = opts.DictionarySize
	}
	return nil
}

func (x *xzCompressor) ExtraHelp() string {
	return "xz: dict-size=<bytes> (default: the larger of 1 MiB and the block size, minimum 4096)"
}

func (x *xzCompressor) SetExtra(key, value string) error {
	switch key {
	case "dict-size":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil || n < 4096 {
			return fmt.Errorf("xz: dict-size must be >= 4096, got %q", value)
		}
		x.dictSize = uint32(n)
		return nil
	default:
		return fmt.Errorf("xz: unrecognized comp-extra key %q", key)
	}
}

func (x *xzCompressor) Compress(dst, src []byte) (int, error) {
	var buf bytes.Buffer
	cfg := xz.WriterConfig{DictCap: int(x.dictSize)}
	w, err := cfg.NewWriter(&buf)
	if err != nil {
		// fall back to defaults if the configured dict size is invalid
		w, err = xz.NewWriter(&buf)
		if err != nil {
			return 0, err
		}
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
	return copy(dst, buf.Bytes()), nil
}

func (x *xzCompressor) Decompress(dst, src []byte) (int, error) {
	r, err := xz.NewReader(bytes.NewReader(src))
	if err != nil {
		return 0, newErr(KindCorrupt, "xz block", err)
	}
	n, err := io.ReadFull(r, dst)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return n, newErr(KindCorrupt, "xz block", err)
	}
	return n, nil
}
