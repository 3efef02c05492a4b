package squashfs

import (
	"encoding/binary"
)

const fragmentRecordSize = 16 // Start uint64, Size uint32, 4 bytes unused

// fragmentTable is the read-side view of the fragment table: resolves a
// fragment index to its fragmentTableEntry. Grounded on the teacher's
// inline fragment lookup in inode.go's ReadAt (the `sub := ... / 512 * 8`
// arithmetic there is this same indexed-table shape, hand-inlined instead
// of factored out).
type fragmentTable struct {
	r *indexedTableReader
}

func openFragmentTable(sb *Superblock) (*fragmentTable, error) {
	if sb.FragTableStart == tableAbsent || sb.FragCount == 0 {
		return &fragmentTable{}, nil
	}
	r, err := newIndexedTableReader(sb.fs, sb.cache, sb.order, sb.FragTableStart, int(sb.FragCount), fragmentRecordSize)
	if err != nil {
		return nil, err
	}
	return &fragmentTable{r: r}, nil
}

func (ft *fragmentTable) Get(index uint32) (fragmentTableEntry, error) {
	if ft.r == nil {
		return fragmentTableEntry{}, newErr(KindNotFound, "fragment table empty", nil)
	}
	buf, err := ft.r.Read(int(index))
	if err != nil {
		return fragmentTableEntry{}, err
	}
	return fragmentTableEntry{
		Start: binary.LittleEndian.Uint64(buf[0:8]),
		Size:  binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// writeFragmentTable serializes entries (built by fragmentBuilder over the
// course of a Writer session) through L3 and returns the offset the
// Superblock's FragTableStart should record.
func writeFragmentTable(af AbstractFile, comp Compressor, startOffset uint64, entries []fragmentTableEntry) (uint64, error) {
	tw := newIndexedTableWriter(af, comp, startOffset, fragmentRecordSize)
	rec := make([]byte, fragmentRecordSize)
	for _, e := range entries {
		binary.LittleEndian.PutUint64(rec[0:8], e.Start)
		binary.LittleEndian.PutUint32(rec[8:12], e.Size)
		binary.LittleEndian.PutUint32(rec[12:16], 0)
		if err := tw.Append(rec); err != nil {
			return 0, err
		}
	}
	return tw.Finish()
}
