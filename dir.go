package squashfs

import (
	"io"
	"io/fs"
	"sort"
)

// dirReader provides sequential access to entries in a SquashFS directory,
// reading through a metadataReader seeked at the directory's start
// reference.
type dirReader struct {
	sb *Superblock
	r  *metadataReader

	remaining int64 // bytes left in this directory's data, per its inode's Size

	count, startBlock, inodeNum uint32
}

// direntry implements fs.DirEntry for one entry of a SquashFS directory.
type direntry struct {
	name string
	typ  Type
	inoR inodeRef
	sb   *Superblock
}

// DirIndexEntry is one entry of a large directory's auxiliary index
// (§4.5): the byte position within the directory's own data stream where a
// new metadata block starts, the name first encountered there, and the
// block's start offset relative to DirTableStart.
type DirIndexEntry struct {
	Index uint32
	Start uint32
	Name  string
}

// dirReader opens a directory's entry stream at i's StartBlock/Offset, or,
// when seek is non-nil, fast-forwards to the directory index entry found
// by lookupDirIndex.
func (sb *Superblock) dirReader(i *Inode, seek *DirIndexEntry) (*dirReader, error) {
	if seek != nil {
		ref := newMetaRef(sb.DirTableStart+uint64(seek.Start), uint16((int(i.Offset)+int(seek.Index))&(maxMetadataBlockSize-1)))
		return &dirReader{
			sb:        sb,
			r:         newMetadataReader(sb.cache, ref),
			remaining: int64(i.Size) - int64(seek.Index),
		}, nil
	}

	ref := newMetaRef(sb.DirTableStart+i.StartBlock, uint16(i.Offset))
	return &dirReader{
		sb:        sb,
		r:         newMetadataReader(sb.cache, ref),
		remaining: int64(i.Size),
	}, nil
}

func (dr *dirReader) next() (string, inodeRef, error) {
	name, _, inoR, err := dr.nextfull()
	return name, inoR, err
}

// nextfull returns the next entry's name, type and inode reference. The
// directory's Size field (minus the fixed 3-byte trailer squashfs always
// overcounts by) governs when the stream ends, matching mksquashfs's own
// "i_size = data - 3" convention.
func (dr *dirReader) nextfull() (string, Type, inodeRef, error) {
	if dr.remaining <= 3 {
		return "", 0, 0, io.EOF
	}

	if dr.count == 0 {
		if err := dr.readHeader(); err != nil {
			return "", 0, 0, err
		}
	}

	var offset uint16
	var inoNum2 int16
	var typ Type
	var siz uint16
	if err := readFields(dr.r, dr.sb.order, &offset, &inoNum2, &typ, &siz); err != nil {
		return "", 0, 0, newErr(KindCorrupt, "directory entry", err)
	}
	name := make([]byte, int(siz)+1)
	if _, err := io.ReadFull(dr.r, name); err != nil {
		return "", 0, 0, newErr(KindCorrupt, "directory entry name", err)
	}

	dr.count--
	dr.remaining -= int64(8 + len(name))

	inoRef := newMetaRef(uint64(dr.startBlock), offset)
	return string(name), typ, inoRef, nil
}

func (dr *dirReader) readHeader() error {
	if err := readFields(dr.r, dr.sb.order, &dr.count, &dr.startBlock, &dr.inodeNum); err != nil {
		return newErr(KindCorrupt, "directory header", err)
	}
	dr.count++
	dr.remaining -= 12
	return nil
}

func (dr *dirReader) ReadDir(n int) ([]fs.DirEntry, error) {
	var res []fs.DirEntry
	for {
		ename, typ, inoR, err := dr.nextfull()
		if err != nil {
			if err == io.EOF {
				return res, nil
			}
			return res, err
		}
		res = append(res, &direntry{ename, typ, inoR, dr.sb})
		if n > 0 && len(res) >= n {
			return res, nil
		}
	}
}

func (de *direntry) Name() string {
	return de.name
}

func (de *direntry) IsDir() bool {
	return de.typ.IsDir()
}

func (de *direntry) Type() fs.FileMode {
	return de.typ.Mode()
}

func (de *direntry) Info() (fs.FileInfo, error) {
	found, err := de.sb.GetInodeRef(de.inoR)
	if err != nil {
		return nil, err
	}
	de.sb.setInodeRefCache(found.Ino, de.inoR)
	return &fileinfo{name: de.name, ino: found}, nil
}

// lookupDirIndex performs the binary search described in §4.5 over a large
// directory's index entries (decoded alongside the extended directory
// inode by readExtendedDirInode's caller), returning the entry whose name
// sorts at or before target, or nil if none does (the lookup should then
// start from the directory's own StartBlock/Offset).
func lookupDirIndex(idx []DirIndexEntry, target string) *DirIndexEntry {
	if len(idx) == 0 {
		return nil
	}
	i := sort.Search(len(idx), func(i int) bool { return idx[i].Name > target })
	if i == 0 {
		return nil
	}
	return &idx[i-1]
}
