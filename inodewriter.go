package squashfs

import (
	"encoding/binary"
	"io/fs"
	"sort"
)

// writerInode is one file system object being assembled in memory, the
// write-side counterpart of Inode. Grounded on the teacher's writerInode in
// writer.go; kept fields are renamed to match this repo's uint64/metaRef
// types instead of the teacher's uint32 block/offset pair.
type writerInode struct {
	path string
	name string

	mode    fs.FileMode
	size    uint64
	modTime int64
	uid     uint32
	gid     uint32
	nlink   uint32

	fileType  Type // always the basic variant; extended-vs-basic is decided at serialization time
	symTarget string
	rdev      uint32

	xattrs  []XattrPair
	xattrID uint32 // fieldDisabled unless xattrs is non-empty

	// Regular file data, filled immediately by streamFile at Add/AddTarEntry
	// time rather than deferred to Finalize.
	blockStart uint64
	blockSizes []uint32
	frag       *fragmentRef

	parent   *writerInode
	children []*writerInode

	// Filled by Writer.assignInodeNumbers (pass A) and Writer.serializeTree
	// (pass B); see Finalize for why these are two separate passes.
	inodeNumber uint32
	ref         inodeRef

	dirStartBlock uint64 // table-relative to DirTableStart, like Inode.StartBlock
	dirOffset     uint32
	dirSize       uint64
}

// assignInodeNumbers walks the tree post-order (children before their
// parent, root last) so every node's own number and its parent's number are
// both known before any inode is serialized. This sidesteps the teacher's
// iterative convergence entirely: the on-disk ParentIno field is a forward
// reference only when numbering and serialization happen in the same pass.
func (w *Writer) assignInodeNumbers() {
	var counter uint32
	var walk func(n *writerInode)
	walk = func(n *writerInode) {
		if n.fileType == DirType {
			sort.Slice(n.children, func(i, j int) bool { return n.children[i].name < n.children[j].name })
			for _, c := range n.children {
				walk(c)
			}
		}
		counter++
		n.inodeNumber = counter
	}
	walk(w.root)
	w.inodeCount = counter
}

// collectXattrGroups runs a throwaway xattrStoreBuilder purely to dedupe
// inode xattr sets and assign each a stable group index, with zero real
// I/O: the builder is backed by a discard MemFile that is never read back.
// Phase 2 (the real xattr store write in Finalize) replays the returned
// groups in order through a second, real builder, which is guaranteed to
// reproduce the same ids since AddSet's dedup is a pure function of the
// sorted (key,value) set.
func (w *Writer) collectXattrGroups() [][]XattrPair {
	phase1 := newXattrStoreBuilder(NewMemFile(), w.comp, 0)
	var groups [][]XattrPair
	for _, n := range w.allNodes {
		if len(n.xattrs) == 0 {
			n.xattrID = fieldDisabled
			continue
		}
		id, ok, err := phase1.AddSet(n.xattrs)
		if err != nil || !ok {
			n.xattrID = fieldDisabled
			continue
		}
		n.xattrID = id
		if int(id) == len(groups) {
			groups = append(groups, n.xattrs)
		}
	}
	return groups
}

// serializeTree walks the tree post-order a second time, now with every
// inode number already assigned, and writes the inode table and directory
// table into virtual, MemFile-backed metadataWriters at virtual base 0.
// Because inodeRef/directory StartBlock are table-relative (not absolute)
// on disk, a virtual buffer's own zero offset already equals the real
// table's relative zero: the bytes it accumulates can be blitted as-is to
// the real image once InodeTableStart/DirTableStart are known, with no
// patching pass required.
func (w *Writer) serializeTree() (inodeBuf, dirBuf []byte, rootRef inodeRef, exp *exportTableBuilder, err error) {
	imem := NewMemFile()
	dmem := NewMemFile()
	imw := newMetadataWriter(imem, w.comp, 0)
	dmw := newMetadataWriter(dmem, w.comp, 0)

	if w.flags.Has(EXPORTABLE) {
		exp = newExportTableBuilder(int(w.inodeCount))
	}

	var walk func(n *writerInode) error
	walk = func(n *writerInode) error {
		if n.fileType == DirType {
			for _, c := range n.children {
				if err := walk(c); err != nil {
					return err
				}
			}
			if err := w.writeDirectoryData(dmw, n); err != nil {
				return err
			}
		}
		ref, err := w.writeInode(imw, n)
		if err != nil {
			return err
		}
		n.ref = ref
		if exp != nil {
			exp.Set(n.inodeNumber, ref)
		}
		return nil
	}
	if err := walk(w.root); err != nil {
		return nil, nil, 0, nil, err
	}
	if err := imw.Flush(); err != nil {
		return nil, nil, 0, nil, err
	}
	if err := dmw.Flush(); err != nil {
		return nil, nil, 0, nil, err
	}
	return imem.Bytes(), dmem.Bytes(), w.root.ref, exp, nil
}

// writeDirectoryData serializes one directory's entries, grouping runs the
// same way dir.go's dirReader consumes them: a new header whenever the
// referenced child's inode-table block changes or a run reaches 256
// entries. Must run after every child of dir has already been written
// (children-first post-order), since it needs each child's final ref and
// inode number.
func (w *Writer) writeDirectoryData(dmw *metadataWriter, dir *writerInode) error {
	startRef := dmw.Ref()
	dir.dirStartBlock = startRef.BlockOffset()
	dir.dirOffset = uint32(startRef.IntraOffset())

	if len(dir.children) == 0 {
		dir.dirSize = 3
		return nil
	}

	written := 0
	i := 0
	for i < len(dir.children) {
		base := dir.children[i]
		baseBlock := base.ref.BlockOffset()
		baseIno := base.inodeNumber

		j := i
		for j < len(dir.children) && j-i < 256 && dir.children[j].ref.BlockOffset() == baseBlock {
			j++
		}
		run := dir.children[i:j]

		header := make([]byte, 12)
		binary.LittleEndian.PutUint32(header[0:4], uint32(len(run)-1))
		binary.LittleEndian.PutUint32(header[4:8], uint32(baseBlock))
		binary.LittleEndian.PutUint32(header[8:12], baseIno)
		if _, err := dmw.Write(header); err != nil {
			return err
		}
		written += len(header)

		for _, c := range run {
			delta := int32(c.inodeNumber) - int32(baseIno)
			rec := make([]byte, 8+len(c.name))
			binary.LittleEndian.PutUint16(rec[0:2], c.ref.IntraOffset())
			binary.LittleEndian.PutUint16(rec[2:4], uint16(int16(delta)))
			binary.LittleEndian.PutUint16(rec[4:6], uint16(c.fileType.Basic()))
			binary.LittleEndian.PutUint16(rec[6:8], uint16(len(c.name)-1))
			copy(rec[8:], c.name)
			if _, err := dmw.Write(rec); err != nil {
				return err
			}
			written += len(rec)
		}

		i = j
	}

	dir.dirSize = uint64(written) + 3
	return nil
}

// writeInode serializes one inode's header plus type-specific body, mirrors
// inode.go's GetInodeRef field order exactly in reverse, and returns the
// inodeRef (table-relative, since imw is bound to a virtual buffer at base
// 0) callers must record for directory entries and the export table.
func (w *Writer) writeInode(imw *metadataWriter, n *writerInode) (inodeRef, error) {
	ref := imw.Ref()

	useExt := n.xattrID != fieldDisabled
	var typ Type
	switch n.fileType {
	case DirType:
		if useExt || n.dirSize > 0xffff {
			typ = XDirType
		} else {
			typ = DirType
		}
	case FileType:
		if useExt || n.size > 0xffffffff || n.blockStart > 0xffffffff {
			typ = XFileType
		} else {
			typ = FileType
		}
	case SymlinkType:
		if useExt {
			typ = XSymlinkType
		} else {
			typ = SymlinkType
		}
	case BlockDevType, CharDevType, FifoType, SocketType:
		if useExt {
			typ = n.fileType + 7
		} else {
			typ = n.fileType
		}
	default:
		typ = n.fileType
	}

	perm := uint16(ModeToUnix(n.mode) & 0x0fff)
	uidIdx := w.ids.Add(n.uid)
	gidIdx := w.ids.Add(n.gid)
	if err := writeFields(imw, w.order(), uint16(typ), perm, uidIdx, gidIdx, int32(n.modTime), n.inodeNumber); err != nil {
		return 0, err
	}

	parentIno := uint32(1)
	if n.parent != nil {
		parentIno = n.parent.inodeNumber
	}

	switch typ {
	case DirType:
		if err := writeFields(imw, w.order(), uint32(n.dirStartBlock), n.nlink, uint16(n.dirSize), uint16(n.dirOffset), parentIno); err != nil {
			return 0, err
		}
	case XDirType:
		if err := writeFields(imw, w.order(), n.nlink, uint32(n.dirSize), uint32(n.dirStartBlock), parentIno, uint16(0), uint16(n.dirOffset), n.xattrID); err != nil {
			return 0, err
		}
	case FileType, XFileType:
		blockSizes := n.blockSizes
		if n.frag != nil && len(blockSizes) > 0 {
			blockSizes = blockSizes[:len(blockSizes)-1]
		}
		fragBlock, fragOfft := uint32(fieldDisabled), uint32(0)
		if n.frag != nil {
			fragBlock, fragOfft = n.frag.Index, n.frag.Offset
		}
		if typ == FileType {
			if err := writeFields(imw, w.order(), uint32(n.blockStart), fragBlock, fragOfft, uint32(n.size)); err != nil {
				return 0, err
			}
		} else {
			if err := writeFields(imw, w.order(), n.blockStart, n.size, uint64(0), n.nlink, fragBlock, fragOfft, n.xattrID); err != nil {
				return 0, err
			}
		}
		for _, bs := range blockSizes {
			if err := writeFields(imw, w.order(), bs); err != nil {
				return 0, err
			}
		}
	case SymlinkType, XSymlinkType:
		if err := writeFields(imw, w.order(), n.nlink, uint32(len(n.symTarget))); err != nil {
			return 0, err
		}
		if _, err := imw.Write([]byte(n.symTarget)); err != nil {
			return 0, err
		}
		if typ == XSymlinkType {
			if err := writeFields(imw, w.order(), n.xattrID); err != nil {
				return 0, err
			}
		}
	case BlockDevType, CharDevType, XBlockDevType, XCharDevType:
		if err := writeFields(imw, w.order(), n.nlink, n.rdev); err != nil {
			return 0, err
		}
		if typ == XBlockDevType || typ == XCharDevType {
			if err := writeFields(imw, w.order(), n.xattrID); err != nil {
				return 0, err
			}
		}
	case FifoType, SocketType, XFifoType, XSocketType:
		if err := writeFields(imw, w.order(), n.nlink); err != nil {
			return 0, err
		}
		if typ == XFifoType || typ == XSocketType {
			if err := writeFields(imw, w.order(), n.xattrID); err != nil {
				return 0, err
			}
		}
	}

	return ref, nil
}

func (w *Writer) order() binary.ByteOrder {
	return binary.LittleEndian
}
