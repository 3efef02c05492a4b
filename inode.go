package squashfs

import (
	"context"
	"encoding/binary"
	"io"
	"io/fs"
	"strings"
	"sync/atomic"
)

// Inode is the decoded form of one on-disk inode, covering every basic and
// extended type in §3. Fields not relevant to a given Type are left zero.
type Inode struct {
	refcnt uint64 // first field for 64-bit alignment on 32-bit platforms

	sb *Superblock

	Type    uint16
	Perm    uint16
	UidIdx  uint16
	GidIdx  uint16
	ModTime int32
	Ino     uint32

	StartBlock uint64
	NLink      uint32
	Size       uint64
	Offset     uint32
	ParentIno  uint32
	SymTarget  []byte
	IdxCount   uint16
	XattrIdx   uint32
	Sparse     uint64
	Rdev       uint32

	FragBlock uint32
	FragOfft  uint32

	Blocks     []uint32
	BlocksOfft []uint64

	// DirIndex is the extended directory's auxiliary index (§4.5), decoded
	// by readExtendedDirInode and consulted by LookupRelativeInode's
	// dirReader call to skip straight to the metadata block closest to the
	// looked-up name instead of always scanning from the start.
	DirIndex []DirIndexEntry
}

// GetInode resolves an inode by its externally-visible number, which may
// have been shifted by InodeOffset. Inode 1 always means the root.
func (sb *Superblock) GetInode(ino uint64) (*Inode, error) {
	if sb.inoOfft != 0 {
		if ino < sb.inoOfft {
			return nil, fs.ErrInvalid
		}
		ino -= sb.inoOfft
	}
	if ino == 1 {
		return sb.rootIno, nil
	}
	if ino == sb.rootInoN {
		ino = 1
	}

	sb.inoIdxL.RLock()
	ref, ok := sb.inoIdx[uint32(ino)]
	sb.inoIdxL.RUnlock()
	if ok {
		return sb.GetInodeRef(ref)
	}

	found, err := sb.exports.InodeByNumber(uint32(ino))
	if err != nil {
		return nil, err
	}
	return found, nil
}

// GetInodeRef decodes the inode at inor. inor addresses a metadata block
// by its offset from InodeTableStart (§3), the same compound reference a
// directory entry or the superblock's RootInode field carries.
func (sb *Superblock) GetInodeRef(inor inodeRef) (*Inode, error) {
	r := newMetadataReader(sb.cache, newMetaRef(sb.InodeTableStart+inor.BlockOffset(), inor.IntraOffset()))

	ino := &Inode{sb: sb}
	if err := readFields(r, sb.order, &ino.Type, &ino.Perm, &ino.UidIdx, &ino.GidIdx, &ino.ModTime, &ino.Ino); err != nil {
		return nil, newErr(KindCorrupt, "inode header", err)
	}

	switch Type(ino.Type).Basic() {
	case DirType:
		if Type(ino.Type) == XDirType {
			if err := readExtendedDirInode(r, sb.order, ino); err != nil {
				return nil, err
			}
		} else {
			if err := readBasicDirInode(r, sb.order, ino); err != nil {
				return nil, err
			}
			ino.XattrIdx = fieldDisabled
		}
	case FileType:
		if Type(ino.Type) == XFileType {
			if err := readExtendedFileInode(r, sb.order, sb.BlockSize, ino); err != nil {
				return nil, err
			}
		} else {
			if err := readBasicFileInode(r, sb.order, sb.BlockSize, ino); err != nil {
				return nil, err
			}
			ino.XattrIdx = fieldDisabled
		}
	case SymlinkType:
		if err := readSymlinkInode(r, sb.order, ino); err != nil {
			return nil, err
		}
		if Type(ino.Type) == XSymlinkType {
			if err := readFields(r, sb.order, &ino.XattrIdx); err != nil {
				return nil, newErr(KindCorrupt, "extended symlink xattr index", err)
			}
		} else {
			ino.XattrIdx = fieldDisabled
		}
	case BlockDevType, CharDevType:
		if err := readFields(r, sb.order, &ino.NLink); err != nil {
			return nil, newErr(KindCorrupt, "device nlink", err)
		}
		if err := readFields(r, sb.order, &ino.Rdev); err != nil {
			return nil, newErr(KindCorrupt, "device rdev", err)
		}
		if Type(ino.Type) == XBlockDevType || Type(ino.Type) == XCharDevType {
			if err := readFields(r, sb.order, &ino.XattrIdx); err != nil {
				return nil, newErr(KindCorrupt, "extended device xattr index", err)
			}
		} else {
			ino.XattrIdx = fieldDisabled
		}
	case FifoType, SocketType:
		if err := readFields(r, sb.order, &ino.NLink); err != nil {
			return nil, newErr(KindCorrupt, "ipc nlink", err)
		}
		if Type(ino.Type) == XFifoType || Type(ino.Type) == XSocketType {
			if err := readFields(r, sb.order, &ino.XattrIdx); err != nil {
				return nil, newErr(KindCorrupt, "extended ipc xattr index", err)
			}
		} else {
			ino.XattrIdx = fieldDisabled
		}
	default:
		return nil, newErr(KindUnsupported, "inode type", nil)
	}

	return ino, nil
}

func readBasicDirInode(r *metadataReader, order binary.ByteOrder, ino *Inode) error {
	var startBlock, u32 uint32
	var size, offset uint16
	if err := readFields(r, order, &startBlock); err != nil {
		return newErr(KindCorrupt, "dir start block", err)
	}
	ino.StartBlock = uint64(startBlock)
	if err := readFields(r, order, &ino.NLink); err != nil {
		return newErr(KindCorrupt, "dir nlink", err)
	}
	if err := readFields(r, order, &size); err != nil {
		return newErr(KindCorrupt, "dir size", err)
	}
	ino.Size = uint64(size)
	if err := readFields(r, order, &offset); err != nil {
		return newErr(KindCorrupt, "dir offset", err)
	}
	ino.Offset = uint32(offset)
	if err := readFields(r, order, &u32); err != nil {
		return newErr(KindCorrupt, "dir parent", err)
	}
	ino.ParentIno = u32
	return nil
}

func readExtendedDirInode(r *metadataReader, order binary.ByteOrder, ino *Inode) error {
	var startBlock, size uint32
	var offset uint16
	if err := readFields(r, order, &ino.NLink); err != nil {
		return newErr(KindCorrupt, "xdir nlink", err)
	}
	if err := readFields(r, order, &size); err != nil {
		return newErr(KindCorrupt, "xdir size", err)
	}
	ino.Size = uint64(size)
	if err := readFields(r, order, &startBlock); err != nil {
		return newErr(KindCorrupt, "xdir start block", err)
	}
	ino.StartBlock = uint64(startBlock)
	if err := readFields(r, order, &ino.ParentIno); err != nil {
		return newErr(KindCorrupt, "xdir parent", err)
	}
	if err := readFields(r, order, &ino.IdxCount); err != nil {
		return newErr(KindCorrupt, "xdir index count", err)
	}
	if err := readFields(r, order, &offset); err != nil {
		return newErr(KindCorrupt, "xdir offset", err)
	}
	ino.Offset = uint32(offset)
	if err := readFields(r, order, &ino.XattrIdx); err != nil {
		return newErr(KindCorrupt, "xdir xattr index", err)
	}
	// Decode the per-directory index entries so LookupRelativeInode can
	// binary-search them via lookupDirIndex instead of always scanning the
	// directory from its start block.
	ino.DirIndex = make([]DirIndexEntry, 0, ino.IdxCount)
	for i := uint16(0); i < ino.IdxCount; i++ {
		var idx, start, nameLen uint32
		if err := readFields(r, order, &idx); err != nil {
			return newErr(KindCorrupt, "dir index entry", err)
		}
		if err := readFields(r, order, &start); err != nil {
			return newErr(KindCorrupt, "dir index entry", err)
		}
		if err := readFields(r, order, &nameLen); err != nil {
			return newErr(KindCorrupt, "dir index entry", err)
		}
		name := make([]byte, nameLen+1)
		if _, err := io.ReadFull(r, name); err != nil {
			return newErr(KindCorrupt, "dir index name", err)
		}
		ino.DirIndex = append(ino.DirIndex, DirIndexEntry{Index: idx, Start: start, Name: string(name[:nameLen])})
	}
	return nil
}

func countDataBlocks(size uint64, blockSize uint32, hasFragment bool) int {
	blocks := int(size / uint64(blockSize))
	if !hasFragment && size%uint64(blockSize) != 0 {
		blocks++
	}
	return blocks
}

func readBlockList(r *metadataReader, order binary.ByteOrder, ino *Inode, blockSize uint32) error {
	hasFragment := ino.FragBlock != fieldDisabled
	blocks := countDataBlocks(ino.Size, blockSize, hasFragment)
	ino.Blocks = make([]uint32, blocks)
	ino.BlocksOfft = make([]uint64, blocks)

	offt := uint64(0)
	for i := 0; i < blocks; i++ {
		var u32 uint32
		if err := readFields(r, order, &u32); err != nil {
			return newErr(KindCorrupt, "block list entry", err)
		}
		ino.Blocks[i] = u32
		ino.BlocksOfft[i] = offt
		if u32&dataBlockUncompressedFlag != 0 {
			offt += uint64(u32 &^ dataBlockUncompressedFlag)
		} else {
			offt += uint64(u32)
		}
	}
	return nil
}

func readBasicFileInode(r *metadataReader, order binary.ByteOrder, blockSize uint32, ino *Inode) error {
	var startBlock, size uint32
	if err := readFields(r, order, &startBlock); err != nil {
		return newErr(KindCorrupt, "file start block", err)
	}
	ino.StartBlock = uint64(startBlock)
	if err := readFields(r, order, &ino.FragBlock); err != nil {
		return newErr(KindCorrupt, "file fragment index", err)
	}
	if err := readFields(r, order, &ino.FragOfft); err != nil {
		return newErr(KindCorrupt, "file fragment offset", err)
	}
	if err := readFields(r, order, &size); err != nil {
		return newErr(KindCorrupt, "file size", err)
	}
	ino.Size = uint64(size)
	return readBlockList(r, order, ino, blockSize)
}

func readExtendedFileInode(r *metadataReader, order binary.ByteOrder, blockSize uint32, ino *Inode) error {
	if err := readFields(r, order, &ino.StartBlock); err != nil {
		return newErr(KindCorrupt, "xfile start block", err)
	}
	if err := readFields(r, order, &ino.Size); err != nil {
		return newErr(KindCorrupt, "xfile size", err)
	}
	if err := readFields(r, order, &ino.Sparse); err != nil {
		return newErr(KindCorrupt, "xfile sparse", err)
	}
	if err := readFields(r, order, &ino.NLink); err != nil {
		return newErr(KindCorrupt, "xfile nlink", err)
	}
	if err := readFields(r, order, &ino.FragBlock); err != nil {
		return newErr(KindCorrupt, "xfile fragment index", err)
	}
	if err := readFields(r, order, &ino.FragOfft); err != nil {
		return newErr(KindCorrupt, "xfile fragment offset", err)
	}
	if err := readFields(r, order, &ino.XattrIdx); err != nil {
		return newErr(KindCorrupt, "xfile xattr index", err)
	}
	return readBlockList(r, order, ino, blockSize)
}

func readSymlinkInode(r *metadataReader, order binary.ByteOrder, ino *Inode) error {
	if err := readFields(r, order, &ino.NLink); err != nil {
		return newErr(KindCorrupt, "symlink nlink", err)
	}
	var size uint32
	if err := readFields(r, order, &size); err != nil {
		return newErr(KindCorrupt, "symlink size", err)
	}
	if size > 4096 {
		return newErr(KindCorrupt, "symlink target too long", nil)
	}
	ino.Size = uint64(size)
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return newErr(KindCorrupt, "symlink target", err)
	}
	ino.SymTarget = buf
	return nil
}

// ReadAt implements io.ReaderAt over a regular file's decoded block list,
// resolving fragment blocks through the fragment table and treating a
// zero-size block entry as a sparse (all-zero) hole per §4.4.
func (i *Inode) ReadAt(p []byte, off int64) (int, error) {
	if Type(i.Type).Basic() != FileType {
		return 0, fs.ErrInvalid
	}
	if uint64(off) >= i.Size {
		return 0, io.EOF
	}
	if uint64(off+int64(len(p))) > i.Size {
		p = p[:int64(i.Size)-off]
	}

	block := int(off / int64(i.sb.BlockSize))
	offset := int(off % int64(i.sb.BlockSize))
	n := 0

	for {
		var buf []byte
		switch {
		case i.FragBlock != fieldDisabled && block == len(i.Blocks):
			fb, err := i.fragmentData()
			if err != nil {
				return n, err
			}
			buf = fb
		case block >= len(i.Blocks):
			return n, io.EOF
		case i.Blocks[block] == 0:
			buf = make([]byte, i.sb.BlockSize)
		default:
			size := i.Blocks[block]
			raw := size &^ dataBlockUncompressedFlag
			rd := make([]byte, raw)
			if err := retryFullReadAt(i.sb.fs, rd, int64(i.StartBlock+i.BlocksOfft[block])); err != nil {
				return n, err
			}
			if size&dataBlockUncompressedFlag != 0 {
				buf = rd
			} else {
				buf = make([]byte, i.sb.BlockSize)
				nn, err := i.sb.comp.Decompress(buf, rd)
				if err != nil {
					return n, newErr(KindCorrupt, "data block", err)
				}
				buf = buf[:nn]
			}
		}

		if offset > 0 {
			buf = buf[offset:]
		}

		l := copy(p, buf)
		n += l
		if l == len(p) {
			return n, nil
		}
		p = p[l:]
		block++
		offset = 0
	}
}

// fragmentData resolves this file's tail fragment: the fragment table
// entry, decompressed if needed, sliced to this file's portion.
func (i *Inode) fragmentData() ([]byte, error) {
	entry, err := i.sb.frags.Get(i.FragBlock)
	if err != nil {
		return nil, err
	}
	raw := entry.Size &^ dataBlockUncompressedFlag
	buf := make([]byte, raw)
	if err := retryFullReadAt(i.sb.fs, buf, int64(entry.Start)); err != nil {
		return nil, err
	}
	if entry.Size&dataBlockUncompressedFlag == 0 {
		out := make([]byte, i.sb.BlockSize)
		n, err := i.sb.comp.Decompress(out, buf)
		if err != nil {
			return nil, newErr(KindCorrupt, "fragment block", err)
		}
		buf = out[:n]
	}
	if i.FragOfft != 0 {
		buf = buf[i.FragOfft:]
	}
	tailSize := i.Size % uint64(i.sb.BlockSize)
	if tailSize != 0 && uint64(len(buf)) > tailSize {
		buf = buf[:tailSize]
	}
	return buf, nil
}

// Xattrs returns this inode's extended attribute set, or nil if it has
// none.
func (i *Inode) Xattrs() ([]XattrPair, error) {
	if i.XattrIdx == fieldDisabled {
		return nil, nil
	}
	return i.sb.xattrs.Get(i.XattrIdx)
}

// LookupRelativeInode resolves one path component within a directory
// inode, caching the result for future GetInode calls.
func (i *Inode) LookupRelativeInode(ctx context.Context, name string) (*Inode, error) {
	if !i.IsDir() {
		return nil, ErrNotDirectory
	}
	dr, err := i.sb.dirReader(i, lookupDirIndex(i.DirIndex, name))
	if err != nil {
		return nil, err
	}
	for {
		ename, inoR, err := dr.next()
		if err != nil {
			if err == io.EOF {
				return nil, fs.ErrNotExist
			}
			return nil, err
		}
		if name == ename {
			found, err := i.sb.GetInodeRef(inoR)
			if err != nil {
				return nil, err
			}
			i.sb.setInodeRefCache(found.Ino, inoR)
			return found, nil
		}
	}
}

// LookupRelativeInodePath resolves a slash-separated relative path,
// handling leading/trailing slashes.
func (i *Inode) LookupRelativeInodePath(ctx context.Context, name string) (*Inode, error) {
	cur := i
	for {
		if len(name) == 0 {
			return cur, nil
		}
		pos := strings.IndexByte(name, '/')
		if pos == -1 {
			return cur.LookupRelativeInode(ctx, name)
		}
		if pos == 0 {
			name = name[1:]
			continue
		}
		next, err := cur.LookupRelativeInode(ctx, name[:pos])
		if err != nil {
			return nil, err
		}
		cur = next
		name = name[pos+1:]
	}
}

func (i *Inode) Mode() fs.FileMode {
	return UnixToMode(uint32(i.Perm)) | squashfsTypeToMode(i.Type)
}

func squashfsTypeToMode(t uint16) fs.FileMode {
	return Type(t).Mode()
}

func (i *Inode) IsDir() bool {
	return Type(i.Type).IsDir()
}

func (i *Inode) Readlink() ([]byte, error) {
	if !Type(i.Type).IsSymlink() {
		return nil, fs.ErrInvalid
	}
	return i.SymTarget, nil
}

func (i *Inode) AddRef(count uint64) uint64 {
	return atomic.AddUint64(&i.refcnt, count)
}

func (i *Inode) DelRef(count uint64) uint64 {
	return atomic.AddUint64(&i.refcnt, ^(count - 1))
}
