package squashfs

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// lz4Compressor is the L2 lz4 codec, grounded on diskfs/go-diskfs's use of
// the same module (github.com/pierrec/lz4) for its own squashfs reader —
// the teacher repo lists LZ4 as a known SquashComp id but never implements
// it. High-compression mode (LZ4HC) is not a separate on-disk codec id; it
// is a compression-option flag toggled via ReadOptions/WriteOptions.
type lz4Compressor struct {
	hc bool
}

func newLZ4Compressor(hc bool) *lz4Compressor {
	return &lz4Compressor{hc: hc}
}

func (l *lz4Compressor) Configure(blockSize uint32, flags SquashFlags) error {
	return nil
}

const lz4FlagHC = 1 << 0

type lz4Options struct {
	Version uint32
	Flags   uint32
}

func (l *lz4Compressor) WriteOptions() ([]byte, error) {
	flags := uint32(0)
	if l.hc {
		flags |= lz4FlagHC
	}
	return marshalLE(lz4Options{Version: 1, Flags: flags})
}

func (l *lz4Compressor) ReadOptions(data []byte) error {
	var opts lz4Options
	if err := unmarshalLE(data, &opts); err != nil {
		return err
	}
	l.hc = opts.Flags&lz4FlagHC != 0
	return nil
}

func (l *lz4Compressor) ExtraHelp() string {
	return "lz4: hc=on|off (default off; high-compression mode)"
}

func (l *lz4Compressor) SetExtra(key, value string) error {
	switch key {
	case "hc":
		switch value {
		case "on", "true", "1":
			l.hc = true
		case "off", "false", "0":
			l.hc = false
		default:
			return fmt.Errorf("lz4: hc must be on/off, got %q", value)
		}
		return nil
	default:
		return fmt.Errorf("lz4: unrecognized comp-extra key %q", key)
	}
}

func (l *lz4Compressor) Compress(dst, src []byte) (int, error) {
	var c lz4.Compressor
	var hc lz4.CompressorHC
	var n int
	var err error
	if l.hc {
		hc.Level = lz4.Level9
		n, err = hc.CompressBlock(src, dst)
	} else {
		n, err = c.CompressBlock(src, dst)
	}
	if err != nil {
		return 0, err
	}
	if n == 0 || n >= len(src) {
		return 0, ErrDoNotCompress
	}
	return n, nil
}

func (l *lz4Compressor) Decompress(dst, src []byte) (int, error) {
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return 0, newErr(KindCorrupt, "lz4 block", err)
	}
	return n, nil
}
