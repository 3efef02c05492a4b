package squashfs

import (
	"hash/maphash"
	"io"
	"sync"
)

// dataBlockUncompressedFlag is the real SquashFS bit that marks a data
// block's size field as "stored raw" (bit 24 of the 32-bit size word). The
// teacher's writer.go never set this at all (it always compressed); this
// repo uses the spec-correct 1<<24 constant throughout.
const dataBlockUncompressedFlag = 1 << 24

// fieldDisabled is the sentinel "not present" value for fragment index,
// block index and similar 32-bit fields throughout the inode encoding.
const fieldDisabled = 0xffffffff

// fragmentRef locates a file's tail fragment within the fragment table:
// Index selects the fragment-table entry, Offset is the byte offset of
// this file's data within that entry's uncompressed contents.
type fragmentRef struct {
	Index  uint32
	Offset uint32
}

// fragmentTableEntry is one entry of the on-disk fragment table, written
// through L3 by fragment.go. Size's top bit is dataBlockUncompressedFlag.
type fragmentTableEntry struct {
	Start uint64
	Size  uint32
}

// fragmentBuilder accumulates tail fragments from multiple files into a
// single block-sized buffer and flushes it to the data area once it can't
// fit the next fragment, mirroring MJKWoolnough/squashfs's
// writePossibleFragment/writeFragments pair (other_examples/builder.go):
// append-until-overflow, flush-then-append, with one final flush driven by
// the writer at Finalize time.
type fragmentBuilder struct {
	af        AbstractFile
	comp      Compressor
	blockSize uint32
	offset    *uint64 // shared cursor into the data area

	mu      sync.Mutex
	buf     []byte
	pending map[uint64][]pendingTail // fingerprint -> candidates already in buf, reset on flush
	entries []fragmentTableEntry
}

// pendingTail is one tail already appended to the in-progress fragment
// buffer, kept so a later identical tail can reuse its offset instead of
// being appended again.
type pendingTail struct {
	content []byte
	offset  uint32
}

func newFragmentBuilder(af AbstractFile, comp Compressor, blockSize uint32, offset *uint64) *fragmentBuilder {
	return &fragmentBuilder{af: af, comp: comp, blockSize: blockSize, offset: offset, pending: make(map[uint64][]pendingTail)}
}

// Add appends data (always shorter than blockSize) and returns where it
// landed. A tail byte-identical to one already sitting in the in-progress
// buffer reuses that offset instead of being appended again, per §4.4's
// fragment-tail dedup rule. Otherwise it may trigger a flush of the
// current buffer first.
func (fb *fragmentBuilder) Add(data []byte) (fragmentRef, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if off, ok := fb.lookupPendingLocked(data); ok {
		return fragmentRef{Index: uint32(len(fb.entries)), Offset: off}, nil
	}

	if len(data) > int(fb.blockSize)-len(fb.buf) {
		if err := fb.flushLocked(); err != nil {
			return fragmentRef{}, err
		}
	}
	off := uint32(len(fb.buf))
	ref := fragmentRef{Index: uint32(len(fb.entries)), Offset: off}
	fb.buf = append(fb.buf, data...)
	fb.recordPendingLocked(data, off)
	return ref, nil
}

func (fb *fragmentBuilder) lookupPendingLocked(data []byte) (uint32, bool) {
	fp := blockFingerprint(data)
	for _, c := range fb.pending[fp] {
		if len(c.content) == len(data) && string(c.content) == string(data) {
			return c.offset, true
		}
	}
	return 0, false
}

func (fb *fragmentBuilder) recordPendingLocked(data []byte, offset uint32) {
	fp := blockFingerprint(data)
	cp := append([]byte(nil), data...)
	fb.pending[fp] = append(fb.pending[fp], pendingTail{content: cp, offset: offset})
}

// Flush writes the current fragment buffer as one data block and records a
// fragmentTableEntry for it. A no-op when the buffer is empty.
func (fb *fragmentBuilder) Flush() error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.flushLocked()
}

func (fb *fragmentBuilder) flushLocked() error {
	if len(fb.buf) == 0 {
		return nil
	}
	start := *fb.offset
	compressed := make([]byte, len(fb.buf))
	n, err := fb.comp.Compress(compressed, fb.buf)
	var size uint32
	var body []byte
	if err != nil {
		body = fb.buf
		size = uint32(len(fb.buf)) | dataBlockUncompressedFlag
	} else {
		body = compressed[:n]
		size = uint32(n)
	}
	if err := retryFullWriteAt(fb.af, body, int64(start)); err != nil {
		return err
	}
	*fb.offset += uint64(len(body))
	fb.entries = append(fb.entries, fragmentTableEntry{Start: start, Size: size})
	fb.buf = fb.buf[:0]
	fb.pending = make(map[uint64][]pendingTail)
	return nil
}

// Entries returns the fragment table built so far. Call only after a final
// Flush.
func (fb *fragmentBuilder) Entries() []fragmentTableEntry {
	return fb.entries
}

// blockFingerprint is a 64-bit content hash used only to find dedup
// candidates; a full byte comparison still gates any match. No library in
// the example pack supplies a general-purpose block hash (no xxhash, no
// cityhash, no farmhash anywhere in the corpus), so this reaches for
// hash/maphash directly: a narrow, internal, freely-swappable detail
// rather than a public API (see DESIGN.md for why this one stays stdlib).
var fingerprintSeed = maphash.MakeSeed()

func blockFingerprint(data []byte) uint64 {
	return maphash.Bytes(fingerprintSeed, data)
}

// fileRunDedup retains, per written whole-file run of data blocks, a
// fingerprint of the full uncompressed content plus the resulting block
// layout. When a later file's content matches an earlier run by length and
// fingerprint (confirmed with a full byte comparison), its inode reuses the
// earlier run's starting offset and block-size array and no bytes are
// written, per the "first match wins" tie-break.
type fileRunDedup struct {
	mu      sync.Mutex
	buckets map[uint64][]fileRunEntry
}

type fileRunEntry struct {
	content    []byte // full uncompressed file content, for collision checks
	start      uint64
	blockSizes []uint32
	frag       *fragmentRef
}

func newFileRunDedup() *fileRunDedup {
	return &fileRunDedup{buckets: make(map[uint64][]fileRunEntry)}
}

func (d *fileRunDedup) lookup(content []byte) (fileRunEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fp := blockFingerprint(content)
	for _, e := range d.buckets[fp] {
		if len(e.content) == len(content) && string(e.content) == string(content) {
			return e, true
		}
	}
	return fileRunEntry{}, false
}

func (d *fileRunDedup) record(content []byte, start uint64, blockSizes []uint32, frag *fragmentRef) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fp := blockFingerprint(content)
	cp := append([]byte(nil), content...)
	sizesCp := append([]uint32(nil), blockSizes...)
	d.buckets[fp] = append(d.buckets[fp], fileRunEntry{content: cp, start: start, blockSizes: sizesCp, frag: frag})
}

// dataChunk is one blockSize-aligned slice of a file body.
type dataChunk struct {
	data   []byte
	sparse bool // all-zero block, stored as size 0 with no data written
	isTail bool // final, shorter-than-blockSize chunk: a fragment candidate
}

// blockPipeline reads one file's entire body, then either reuses an
// earlier identical file's on-disk block run (via dedup, when non-nil) or
// splits it into blockSize chunks, compresses each (in parallel through
// pool when non-nil), and writes them out in sequence order so the file's
// non-sparse, non-fragment blocks stay contiguous on disk. An all-zero
// block is stored sparse (size 0, nothing written); the final short chunk
// goes to frags (when non-nil) instead of becoming its own data block.
//
// offset is the data-area write cursor; it only advances for bytes
// actually written.
func blockPipeline(af AbstractFile, offset *uint64, r io.Reader, blockSize uint32, comp Compressor, pool *workerPool, dedup *fileRunDedup, frags *fragmentBuilder) (start uint64, blockSizes []uint32, frag *fragmentRef, fileSize uint64, err error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return 0, nil, nil, 0, err
	}
	fileSize = uint64(len(content))

	if dedup != nil {
		if entry, ok := dedup.lookup(content); ok {
			return entry.start, entry.blockSizes, entry.frag, fileSize, nil
		}
	}

	var chunks []dataChunk
	for off := 0; off < len(content); off += int(blockSize) {
		end := off + int(blockSize)
		if end > len(content) {
			end = len(content)
		}
		c := content[off:end]
		chunks = append(chunks, dataChunk{data: c, sparse: isAllZero(c), isTail: end == len(content) && len(c) < int(blockSize)})
	}

	blockSizes = make([]uint32, len(chunks))
	compressed := make([][]byte, len(chunks))
	rawSize := make([]uint32, len(chunks))

	needsCompress := func(c dataChunk) bool {
		return !c.sparse && !(c.isTail && frags != nil)
	}
	compressOne := func(i int) error {
		c := chunks[i]
		out := make([]byte, len(c.data))
		n, cerr := comp.Compress(out, c.data)
		if cerr != nil {
			compressed[i] = c.data
			rawSize[i] = uint32(len(c.data)) | dataBlockUncompressedFlag
		} else {
			compressed[i] = out[:n]
			rawSize[i] = uint32(n)
		}
		return nil
	}

	var idxs []int
	for i, c := range chunks {
		if needsCompress(c) {
			idxs = append(idxs, i)
		}
	}
	if pool != nil && len(idxs) > 1 {
		if err := pool.run(len(idxs), func(j int) error { return compressOne(idxs[j]) }); err != nil {
			return 0, nil, nil, 0, err
		}
	} else {
		for _, i := range idxs {
			if err := compressOne(i); err != nil {
				return 0, nil, nil, 0, err
			}
		}
	}

	start = *offset
	for i, c := range chunks {
		switch {
		case c.sparse:
			blockSizes[i] = 0
		case c.isTail && frags != nil:
			ref, ferr := frags.Add(c.data)
			if ferr != nil {
				return 0, nil, nil, 0, ferr
			}
			frag = &ref
		default:
			woff := *offset
			if err := retryFullWriteAt(af, compressed[i], int64(woff)); err != nil {
				return 0, nil, nil, 0, err
			}
			*offset += uint64(len(compressed[i]))
			blockSizes[i] = rawSize[i]
		}
	}

	if dedup != nil {
		dedup.record(content, start, blockSizes, frag)
	}

	return start, blockSizes, frag, fileSize, nil
}

func isAllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// workerPool runs count indices through fn with at most n concurrent
// workers and a bounded submission queue of depth backlog*n (§5, default
// backlog 10), returning the first error encountered. Used to parallelize
// per-block compression; the caller always sequences the resulting writes
// afterward, so no reassembly is needed here beyond each worker writing to
// its own index.
type workerPool struct {
	n       int
	backlog int
}

func newWorkerPool(n int) *workerPool {
	return newWorkerPoolWithBacklog(n, 10)
}

// newWorkerPoolWithBacklog is the variant sqfsmk's --queue-backlog wires
// into, overriding the default submission-queue multiplier of 10.
func newWorkerPoolWithBacklog(n, backlog int) *workerPool {
	if n < 1 {
		n = 1
	}
	if backlog < 1 {
		backlog = 10
	}
	return &workerPool{n: n, backlog: backlog}
}

func (p *workerPool) run(count int, fn func(i int) error) error {
	depth := p.n * p.backlog
	if depth > count {
		depth = count
	}
	if depth < 1 {
		depth = 1
	}
	sem := make(chan struct{}, depth)
	workers := make(chan struct{}, p.n)
	errCh := make(chan error, 1)
	var wg sync.WaitGroup

	for i := 0; i < count; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			workers <- struct{}{}
			defer func() { <-workers }()
			if err := fn(i); err != nil {
				select {
				case errCh <- err:
				default:
				}
			}
		}(i)
	}
	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
