package squashfs

import "encoding/binary"

const exportRecordSize = 8

// exportTableBuilder is a dense array mapping (inode number - 1) to the
// inode's inodeRef, written through L3 only when WithExportable() is set,
// letting an NFS server reconstitute a file handle into a live inode
// reference. New functionality: the teacher never builds this table (its
// writer always reports Flags without EXPORTABLE).
type exportTableBuilder struct {
	refs []inodeRef // indexed by inode number - 1
}

func newExportTableBuilder(inodeCount int) *exportTableBuilder {
	return &exportTableBuilder{refs: make([]inodeRef, inodeCount)}
}

// Set records the inodeRef for the given 1-based inode number.
func (b *exportTableBuilder) Set(inodeNumber uint32, ref inodeRef) {
	i := int(inodeNumber) - 1
	if i < 0 || i >= len(b.refs) {
		return
	}
	b.refs[i] = ref
}

func (b *exportTableBuilder) Write(af AbstractFile, comp Compressor, startOffset uint64) (uint64, error) {
	tw := newIndexedTableWriter(af, comp, startOffset, exportRecordSize)
	rec := make([]byte, exportRecordSize)
	for _, ref := range b.refs {
		binary.LittleEndian.PutUint64(rec, uint64(ref))
		if err := tw.Append(rec); err != nil {
			return 0, err
		}
	}
	return tw.Finish()
}

// exportTable is the read side, used by Reader.InodeByNumber to satisfy
// an NFS-style file handle lookup.
type exportTable struct {
	sb *Superblock
	r  *indexedTableReader
}

func openExportTable(sb *Superblock) (*exportTable, error) {
	if sb.ExportTableStart == tableAbsent || !sb.Flags.Has(EXPORTABLE) {
		return &exportTable{sb: sb}, nil
	}
	r, err := newIndexedTableReader(sb.fs, sb.cache, sb.order, sb.ExportTableStart, int(sb.InodeCnt), exportRecordSize)
	if err != nil {
		return nil, err
	}
	return &exportTable{sb: sb, r: r}, nil
}

// InodeByNumber resolves an inode number to its Inode, using the export
// table. Returns ErrInodeNotExported when the image carries no export
// table.
func (t *exportTable) InodeByNumber(inodeNumber uint32) (*Inode, error) {
	if t.r == nil {
		return nil, ErrInodeNotExported
	}
	buf, err := t.r.Read(int(inodeNumber) - 1)
	if err != nil {
		return nil, err
	}
	ref := inodeRef(binary.LittleEndian.Uint64(buf))
	ino, err := t.sb.GetInodeRef(ref)
	if err != nil {
		return nil, err
	}
	t.sb.setInodeRefCache(inodeNumber, ref)
	return ino, nil
}
