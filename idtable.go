package squashfs

import "encoding/binary"

const idRecordSize = 4

// idTableBuilder is a monotonically growing deduplicating uid/gid map:
// the first occurrence of a value assigns it the next index, subsequent
// occurrences reuse it. Grounded on the teacher's
// Writer.buildIDTable/writeIDTable in writer.go, generalized onto
// indexedTableWriter instead of a single hand-rolled metadata block plus
// a lone uint64 pointer (the teacher's version only ever produces one
// metadata block's worth of ids; this one scales past 2048 distinct ids).
type idTableBuilder struct {
	index map[uint32]uint16
	list  []uint32
}

func newIDTableBuilder() *idTableBuilder {
	return &idTableBuilder{index: make(map[uint32]uint16)}
}

// Add returns the 16-bit table index for id, assigning a new one if this
// is the first time id has been seen.
func (b *idTableBuilder) Add(id uint32) uint16 {
	if idx, ok := b.index[id]; ok {
		return idx
	}
	idx := uint16(len(b.list))
	b.index[id] = idx
	b.list = append(b.list, id)
	return idx
}

func (b *idTableBuilder) Len() int {
	return len(b.list)
}

// Write serializes the accumulated ids through L3 and returns the offset
// the Superblock's IdTableStart should record.
func (b *idTableBuilder) Write(af AbstractFile, comp Compressor, startOffset uint64) (uint64, error) {
	tw := newIndexedTableWriter(af, comp, startOffset, idRecordSize)
	rec := make([]byte, idRecordSize)
	for _, id := range b.list {
		binary.LittleEndian.PutUint32(rec, id)
		if err := tw.Append(rec); err != nil {
			return 0, err
		}
	}
	return tw.Finish()
}

// idTable is the read-side counterpart, resolving a 16-bit index back to
// its uid/gid value.
type idTable struct {
	r *indexedTableReader
}

func openIDTable(sb *Superblock) (*idTable, error) {
	if sb.IdTableStart == tableAbsent || sb.IdCount == 0 {
		return &idTable{}, nil
	}
	r, err := newIndexedTableReader(sb.fs, sb.cache, sb.order, sb.IdTableStart, int(sb.IdCount), idRecordSize)
	if err != nil {
		return nil, err
	}
	return &idTable{r: r}, nil
}

func (t *idTable) Get(idx uint16) (uint32, error) {
	if t.r == nil {
		return 0, newErr(KindNotFound, "id table empty", nil)
	}
	buf, err := t.r.Read(int(idx))
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}
