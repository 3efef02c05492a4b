package squashfs

import (
	"archive/tar"
	"encoding/binary"
	"io"
	"io/fs"
	"math/bits"
	"path"
	"strings"
	"time"

	"github.com/sqfsgo/squashfs/tarfs"
)

// writerState tracks where a Writer is in its lifecycle: init ->
// header-written -> streaming (Add/AddTarEntry may be called repeatedly) ->
// tables-flushed -> super-written -> closed, with a failed terminal state
// reachable from anywhere that truncates the image back to just the
// reserved header.
type writerState int

const (
	stateInit writerState = iota
	stateHeaderWritten
	stateStreaming
	stateTablesFlushed
	stateSuperWritten
	stateClosed
	stateFailed
)

// Writer creates SquashFS filesystem images. It keeps the teacher's shape
// of an in-memory tree built via Add (an fs.WalkDirFunc) plus a single
// Finalize call, but Finalize itself follows this repo's single-pass table
// construction (see inodewriter.go) instead of the teacher's iterative
// convergence.
type Writer struct {
	af AbstractFile

	blockSize    uint32
	compID       SquashComp
	comp         Compressor
	modTime      int32
	flags        SquashFlags
	pool         *workerPool
	noFragments  bool
	noDuplicates bool
	log          Logger
	xattrFunc    func(path string) ([]XattrPair, error)

	state      writerState
	headerSize int
	dataOffset uint64

	root     *writerInode
	allNodes []*writerInode
	inodeMap map[string]*writerInode
	srcFS    fs.FS

	ids        *idTableBuilder
	frags      *fragmentBuilder
	dedup      *fileRunDedup
	inodeCount uint32

	defaultDirUid   uint32
	defaultDirGid   uint32
	defaultDirMode  fs.FileMode
	defaultDirMtime int64
}

// NewWriter prepares a Writer over af, reserving space for the superblock
// (and, once codec options are known, the compressor-options blob) so data
// streaming can begin immediately without waiting for Finalize.
func NewWriter(af AbstractFile, opts ...WriterOption) (*Writer, error) {
	w := &Writer{
		af:        af,
		blockSize: 131072,
		compID:    GZip,
		modTime:   int32(time.Now().Unix()),
		log:       nopLogger{},
		inodeMap:  make(map[string]*writerInode),
		ids:       newIDTableBuilder(),

		defaultDirMode: 0755,
	}
	comp, err := NewCompressor(GZip)
	if err != nil {
		return nil, err
	}
	w.comp = comp

	for _, o := range opts {
		if err := o(w); err != nil {
			return nil, err
		}
	}
	if w.blockSize == 0 || w.blockSize&(w.blockSize-1) != 0 {
		return nil, newErr(KindOverflow, "block size must be a power of two", nil)
	}
	if err := w.comp.Configure(w.blockSize, w.flags); err != nil {
		return nil, err
	}

	w.root = &writerInode{path: ".", name: "", fileType: DirType, mode: fs.ModeDir | 0755, nlink: 2}
	w.inodeMap["."] = w.root
	w.inodeMap[""] = w.root
	w.allNodes = append(w.allNodes, w.root)

	if !w.noDuplicates {
		w.dedup = newFileRunDedup()
	}

	headerSize := (&Superblock{}).binarySize()
	optBlob, err := w.comp.WriteOptions()
	if err != nil {
		return nil, err
	}
	if len(optBlob) > 0 {
		w.flags |= COMPRESSOR_OPTIONS
		headerSize += 2 + len(optBlob)
	}
	w.headerSize = headerSize
	w.dataOffset = uint64(headerSize)

	if !w.noFragments {
		w.frags = newFragmentBuilder(af, w.comp, w.blockSize, &w.dataOffset)
	}

	w.state = stateHeaderWritten
	return w, nil
}

// WithXattrProvider registers a callback Add invokes for every entry's
// path, letting CLI tools (e.g. sqfsmk --keep-xattr, backed by
// github.com/pkg/xattr) attach live extended attributes without this
// package depending on a particular attribute source.
func WithXattrProvider(fn func(path string) ([]XattrPair, error)) WriterOption {
	return func(w *Writer) error {
		w.xattrFunc = fn
		return nil
	}
}

// SetSourceFS sets the filesystem subsequent Add calls read file bodies and
// symlink targets from. This method is compatible with fs.WalkDirFunc,
// allowing a source tree to be streamed in with:
//
//	w.SetSourceFS(srcFS)
//	err := fs.WalkDir(srcFS, ".", w.Add)
func (w *Writer) SetSourceFS(srcFS fs.FS) {
	w.srcFS = srcFS
}

func parentOf(p string) string {
	d := path.Dir(p)
	if d == "." {
		return "."
	}
	return d
}

func baseOf(p string) string {
	return path.Base(p)
}

// Add adds one entry to the image. Its signature matches fs.WalkDirFunc, so
// it can be passed directly to fs.WalkDir(srcFS, ".", writer.Add); regular
// file bodies are streamed through blockPipeline immediately rather than
// deferred to Finalize. With deduplication enabled (the default), a copy of
// each written file's content is kept for the duplicate check.
func (w *Writer) Add(p string, d fs.DirEntry, walkErr error) error {
	if walkErr != nil {
		return walkErr
	}
	if w.state != stateHeaderWritten && w.state != stateStreaming {
		return ErrClosed
	}
	if p == "." || p == "" {
		return nil
	}

	info, err := d.Info()
	if err != nil {
		return err
	}

	parent, ok := w.inodeMap[parentOf(p)]
	if !ok {
		return newErr(KindNotFound, "parent directory for "+p, nil)
	}

	n := &writerInode{
		path:    p,
		name:    info.Name(),
		mode:    info.Mode(),
		size:    uint64(info.Size()),
		modTime: info.ModTime().Unix(),
		nlink:   1,
		parent:  parent,
	}

	if sys := info.Sys(); sys != nil {
		if statT, ok := sys.(interface {
			Uid() uint32
			Gid() uint32
		}); ok {
			n.uid = statT.Uid()
			n.gid = statT.Gid()
		}
		if rdevT, ok := sys.(interface{ Rdev() uint32 }); ok {
			n.rdev = rdevT.Rdev()
		}
	}

	switch {
	case info.Mode().IsDir():
		n.fileType = DirType
		n.nlink = 2
	case info.Mode().IsRegular():
		n.fileType = FileType
		if w.srcFS != nil {
			f, err := w.srcFS.Open(p)
			if err != nil {
				return err
			}
			err = w.streamFile(n, f)
			f.Close()
			if err != nil {
				return err
			}
		}
	case info.Mode()&fs.ModeSymlink != 0:
		n.fileType = SymlinkType
		if w.srcFS != nil {
			target, err := fs.ReadLink(w.srcFS, p)
			if err != nil {
				return err
			}
			n.symTarget = target
			n.size = uint64(len(target))
		}
	case info.Mode()&fs.ModeCharDevice != 0:
		n.fileType = CharDevType
	case info.Mode()&fs.ModeDevice != 0:
		n.fileType = BlockDevType
	case info.Mode()&fs.ModeNamedPipe != 0:
		n.fileType = FifoType
	case info.Mode()&fs.ModeSocket != 0:
		n.fileType = SocketType
	default:
		n.fileType = FileType
	}

	if w.xattrFunc != nil {
		pairs, err := w.xattrFunc(p)
		if err != nil {
			return err
		}
		n.xattrs = pairs
	}

	parent.children = append(parent.children, n)
	w.inodeMap[p] = n
	w.allNodes = append(w.allNodes, n)
	w.state = stateStreaming
	return nil
}

// ensureDir returns the directory node at p, creating missing intermediate
// directories (mode 0755) so a tar.TypeDir entry that appears after one of
// its children's entries still resolves cleanly.
func (w *Writer) ensureDir(p string) (*writerInode, error) {
	p = strings.Trim(p, "/")
	if p == "" || p == "." {
		return w.root, nil
	}
	if n, ok := w.inodeMap[p]; ok {
		if n.fileType != DirType {
			return nil, newErr(KindCorrupt, "tar entry "+p+" used as both a directory and a non-directory", nil)
		}
		return n, nil
	}
	parent, err := w.ensureDir(parentOf(p))
	if err != nil {
		return nil, err
	}
	n := &writerInode{
		path: p, name: baseOf(p), fileType: DirType,
		mode: fs.ModeDir | w.defaultDirMode, nlink: 2, parent: parent,
		uid: w.defaultDirUid, gid: w.defaultDirGid, modTime: w.defaultDirMtime,
	}
	parent.children = append(parent.children, n)
	w.inodeMap[p] = n
	w.allNodes = append(w.allNodes, n)
	return n, nil
}

func makedev(major, minor int64) uint32 {
	return uint32(major)<<8 | uint32(minor)&0xff
}

// AddTarEntry adds one tar stream entry, reusing or creating intermediate
// directories as needed since tar archives don't guarantee a parent
// directory's header precedes its children's. Hard links are logged and
// skipped (spec.md Non-goals: no hard-link reconstruction).
func (w *Writer) AddTarEntry(e *tarfs.Entry) error {
	if w.state != stateHeaderWritten && w.state != stateStreaming {
		return ErrClosed
	}
	name := strings.Trim(e.Name, "/")
	if name == "" {
		return nil
	}
	if e.Typeflag == tar.TypeXGlobalHeader || e.Typeflag == tar.TypeXHeader {
		return nil
	}
	if e.Typeflag == tar.TypeLink {
		w.log.Warnf("%s: %s", name, ErrHardLinkUnsupported)
		return nil
	}

	parent, err := w.ensureDir(parentOf(name))
	if err != nil {
		return err
	}

	n, existing := w.inodeMap[name]
	if !existing {
		n = &writerInode{path: name, name: baseOf(name), parent: parent}
		parent.children = append(parent.children, n)
		w.inodeMap[name] = n
		w.allNodes = append(w.allNodes, n)
	}
	n.modTime = e.ModTime.Unix()
	n.uid = uint32(e.Uid)
	n.gid = uint32(e.Gid)
	perm := fs.FileMode(e.Mode) & fs.ModePerm

	switch e.Typeflag {
	case tar.TypeReg, tar.TypeRegA:
		n.fileType = FileType
		n.mode = perm
		n.nlink = 1
		if err := w.streamFile(n, e); err != nil {
			return err
		}
	case tar.TypeDir:
		n.fileType = DirType
		n.mode = fs.ModeDir | perm
		n.nlink = 2
	case tar.TypeSymlink:
		n.fileType = SymlinkType
		n.mode = fs.ModeSymlink | perm
		n.symTarget = e.Linkname
		n.size = uint64(len(e.Linkname))
		n.nlink = 1
	case tar.TypeChar:
		n.fileType = CharDevType
		n.mode = fs.ModeDevice | fs.ModeCharDevice | perm
		n.rdev = makedev(e.Devmajor, e.Devminor)
		n.nlink = 1
	case tar.TypeBlock:
		n.fileType = BlockDevType
		n.mode = fs.ModeDevice | perm
		n.rdev = makedev(e.Devmajor, e.Devminor)
		n.nlink = 1
	case tar.TypeFifo:
		n.fileType = FifoType
		n.mode = fs.ModeNamedPipe | perm
		n.nlink = 1
	default:
		w.log.Warnf("squashfs: skipping unsupported tar entry %q (typeflag %q)", name, string(e.Typeflag))
		return nil
	}

	if len(e.Xattrs) > 0 {
		pairs := make([]XattrPair, 0, len(e.Xattrs))
		for k, v := range e.Xattrs {
			pairs = append(pairs, XattrPair{Key: k, Value: []byte(v)})
		}
		n.xattrs = pairs
	}

	w.state = stateStreaming
	return nil
}

// RawEntry describes one filesystem object with every attribute given
// explicitly, rather than read from an fs.DirEntry or a tar header. This is
// the shape sqfsmk's --pack-file front end builds from a parsed listing
// record, since a listing line names its own path, mode, owner and (for
// device/symlink records) target/major/minor directly.
type RawEntry struct {
	Path      string
	Type      Type // DirType, FileType, SymlinkType, BlockDevType, CharDevType, FifoType, SocketType
	Mode      fs.FileMode
	Uid       uint32
	Gid       uint32
	ModTime   int64
	SymTarget string
	Major     int64
	Minor     int64
	Body      io.Reader // regular files only; nil means a zero-length file
}

// AddRaw adds one RawEntry, auto-vivifying missing parent directories the
// same way AddTarEntry does, so listing records may arrive in any order.
func (w *Writer) AddRaw(e RawEntry) error {
	if w.state != stateHeaderWritten && w.state != stateStreaming {
		return ErrClosed
	}
	name := strings.Trim(e.Path, "/")
	if name == "" {
		return newErr(KindCorrupt, "listing record has empty path", nil)
	}

	parent, err := w.ensureDir(parentOf(name))
	if err != nil {
		return err
	}

	n, existing := w.inodeMap[name]
	if !existing {
		n = &writerInode{path: name, name: baseOf(name), parent: parent}
		parent.children = append(parent.children, n)
		w.inodeMap[name] = n
		w.allNodes = append(w.allNodes, n)
	}
	n.uid = e.Uid
	n.gid = e.Gid
	n.modTime = e.ModTime
	perm := e.Mode & fs.ModePerm

	switch e.Type {
	case FileType:
		n.fileType = FileType
		n.mode = perm
		n.nlink = 1
		if e.Body != nil {
			if err := w.streamFile(n, e.Body); err != nil {
				return err
			}
		}
	case DirType:
		n.fileType = DirType
		n.mode = fs.ModeDir | perm
		n.nlink = 2
	case SymlinkType:
		n.fileType = SymlinkType
		n.mode = fs.ModeSymlink | perm
		n.symTarget = e.SymTarget
		n.size = uint64(len(e.SymTarget))
		n.nlink = 1
	case CharDevType:
		n.fileType = CharDevType
		n.mode = fs.ModeDevice | fs.ModeCharDevice | perm
		n.rdev = makedev(e.Major, e.Minor)
		n.nlink = 1
	case BlockDevType:
		n.fileType = BlockDevType
		n.mode = fs.ModeDevice | perm
		n.rdev = makedev(e.Major, e.Minor)
		n.nlink = 1
	case FifoType:
		n.fileType = FifoType
		n.mode = fs.ModeNamedPipe | perm
		n.nlink = 1
	case SocketType:
		n.fileType = SocketType
		n.mode = fs.ModeSocket | perm
		n.nlink = 1
	default:
		return newErr(KindUnsupported, "listing record type", nil)
	}

	w.state = stateStreaming
	return nil
}

// streamFile pushes one regular file's content through the L4 block
// pipeline immediately, recording where its data landed on n.
func (w *Writer) streamFile(n *writerInode, r io.Reader) error {
	var dedup *fileRunDedup
	if !w.noDuplicates {
		dedup = w.dedup
	}
	start, sizes, frag, fileSize, err := blockPipeline(w.af, &w.dataOffset, r, w.blockSize, w.comp, w.pool, dedup, w.frags)
	if err != nil {
		return err
	}
	n.blockStart = start
	n.blockSizes = sizes
	n.frag = frag
	n.size = fileSize
	return nil
}

// Finalize writes every remaining table (inode, directory, fragment,
// export, id, xattr-id, in that fixed order) and the final superblock,
// then closes the Writer. On any error the Writer moves to the failed
// state and the image is truncated back to just the reserved header, so a
// half-written image is never mistaken for a valid one.
func (w *Writer) Finalize() error {
	if w.state == stateClosed || w.state == stateFailed {
		return ErrClosed
	}

	if err := w.finalize(); err != nil {
		w.state = stateFailed
		_ = w.af.Truncate(int64(w.headerSize))
		return err
	}
	w.state = stateClosed
	return nil
}

func (w *Writer) finalize() error {
	if w.frags != nil {
		if err := w.frags.Flush(); err != nil {
			return err
		}
	}

	w.assignInodeNumbers()
	groups := w.collectXattrGroups()

	inodeBuf, dirBuf, rootRef, exp, err := w.serializeTree()
	if err != nil {
		return err
	}

	inodeTableStart := w.dataOffset
	if err := retryFullWriteAt(w.af, inodeBuf, int64(inodeTableStart)); err != nil {
		return err
	}
	dirTableStart := inodeTableStart + uint64(len(inodeBuf))
	if err := retryFullWriteAt(w.af, dirBuf, int64(dirTableStart)); err != nil {
		return err
	}
	cursor := dirTableStart + uint64(len(dirBuf))

	fragTableStart := uint64(tableAbsent)
	var fragEntries []fragmentTableEntry
	if w.frags != nil {
		fragEntries = w.frags.Entries()
	}
	if len(fragEntries) > 0 {
		fragTableStart, err = writeFragmentTable(w.af, w.comp, cursor, fragEntries)
		if err != nil {
			return err
		}
		if cursor, err = sizeOf(w.af); err != nil {
			return err
		}
	}

	exportTableStart := uint64(tableAbsent)
	if w.flags.Has(EXPORTABLE) && exp != nil {
		exportTableStart, err = exp.Write(w.af, w.comp, cursor)
		if err != nil {
			return err
		}
		if cursor, err = sizeOf(w.af); err != nil {
			return err
		}
	}

	idTableStart, err := w.ids.Write(w.af, w.comp, cursor)
	if err != nil {
		return err
	}
	if cursor, err = sizeOf(w.af); err != nil {
		return err
	}

	xattrIdTableStart := uint64(tableAbsent)
	if len(groups) > 0 {
		xb := newXattrStoreBuilder(w.af, w.comp, cursor)
		for _, g := range groups {
			if _, _, err := xb.AddSet(g); err != nil {
				return err
			}
		}
		xattrIdTableStart, _, err = xb.Write()
		if err != nil {
			return err
		}
	}

	w.state = stateTablesFlushed

	bytesUsed, err := sizeOf(w.af)
	if err != nil {
		return err
	}

	sb := &Superblock{
		Magic:             superblockMagicLE,
		InodeCnt:          w.inodeCount,
		ModTime:           w.modTime,
		BlockSize:         w.blockSize,
		FragCount:         uint32(len(fragEntries)),
		Comp:              w.compID,
		BlockLog:          uint16(bits.TrailingZeros32(w.blockSize)),
		Flags:             w.flags,
		IdCount:           uint16(w.ids.Len()),
		VMajor:            4,
		VMinor:            0,
		RootInode:         uint64(rootRef),
		BytesUsed:         bytesUsed,
		IdTableStart:      idTableStart,
		XattrIdTableStart: xattrIdTableStart,
		InodeTableStart:   inodeTableStart,
		DirTableStart:     dirTableStart,
		FragTableStart:    fragTableStart,
		ExportTableStart:  exportTableStart,
	}

	head, err := sb.MarshalBinary()
	if err != nil {
		return err
	}
	if err := retryFullWriteAt(w.af, head, 0); err != nil {
		return err
	}
	if w.flags.Has(COMPRESSOR_OPTIONS) {
		optBlob, err := w.comp.WriteOptions()
		if err != nil {
			return err
		}
		lenHdr := make([]byte, 2)
		binary.LittleEndian.PutUint16(lenHdr, uint16(len(optBlob)))
		if err := retryFullWriteAt(w.af, lenHdr, int64(len(head))); err != nil {
			return err
		}
		if err := retryFullWriteAt(w.af, optBlob, int64(len(head)+2)); err != nil {
			return err
		}
	}

	w.state = stateSuperWritten
	w.log.Debugf("squashfs: wrote image: %d inodes, %d bytes", w.inodeCount, bytesUsed)
	return nil
}

func sizeOf(af AbstractFile) (uint64, error) {
	n, err := af.Size()
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}
