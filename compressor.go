package squashfs

import "fmt"

// Compressor is the L2 contract: a uniform compress/decompress interface
// over a chosen codec. Compress and Decompress keep no state between calls
// (each builds its own encoder or decoder, or only reads configuration set
// earlier), so the L4 worker pool shares one Compressor across its
// goroutines. Configure, ReadOptions and SetExtra are not safe to call
// concurrently with them.
type Compressor interface {
	// Configure applies block size and superblock flags relevant to this
	// codec (e.g. compression level hints encoded in flags).
	Configure(blockSize uint32, flags SquashFlags) error

	// WriteOptions returns the codec-specific options blob written right
	// after the superblock when COMPRESSOR_OPTIONS is set. A nil/empty
	// return means the codec has no options to persist.
	WriteOptions() ([]byte, error)

	// ReadOptions parses a previously-written options blob.
	ReadOptions([]byte) error

	// Compress writes the compressed form of src into dst and returns the
	// number of bytes written. It returns ErrDoNotCompress when
	// the compressed form is not strictly smaller than src or does not fit
	// in dst; callers must then store src uncompressed.
	Compress(dst, src []byte) (int, error)

	// Decompress writes the decompressed form of src into dst and returns
	// the number of bytes written, or a *Error{Kind: KindCorrupt} on
	// malformed input.
	Decompress(dst, src []byte) (int, error)
}

// Tunable is implemented by codecs that accept CLI-supplied tuning
// parameters (sqfsmk's --comp-extra). ExtraHelp documents the recognized
// keys for --comp-extra help; SetExtra applies one key=value pair.
type Tunable interface {
	SetExtra(key, value string) error
	ExtraHelp() string
}

// NewCompressor is the L2 factory. The core never branches on codec
// identity outside of this function.
func NewCompressor(id SquashComp) (Compressor, error) {
	switch id {
	case GZip:
		return newGzipCompressor(), nil
	case XZ:
		return newXZCompressor(), nil
	case ZSTD:
		return newZstdCompressor(), nil
	case LZ4:
		// High-compression mode is an LZ4 compression-option, not a
		// distinct on-disk codec id; newLZ4Compressor starts in normal
		// mode and ReadOptions or SetExtra("hc", ...) flips it.
		return newLZ4Compressor(false), nil
	case LZMA:
		// LZMA (the original squashfs-tools 3.x default, superseded by XZ in
		// 4.x) has no implementation anywhere in the example pack either;
		// treated the same as LZO.
		return nil, fmt.Errorf("%w: lzma (codec id %d)", ErrUnsupportedCompressor, id)
	case LZO:
		// No LZO implementation exists anywhere in the example pack or its
		// transitive dependency tree (see DESIGN.md); rather than vendor a
		// hand-rolled codec we report it unsupported.
		return nil, fmt.Errorf("%w: lzo (codec id %d)", ErrUnsupportedCompressor, id)
	default:
		return nil, fmt.Errorf("%w: codec id %d", ErrUnsupportedCompressor, id)
	}
}
