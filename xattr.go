package squashfs

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"strings"
)

// xattr prefix ids, per original_source/include/sqfs/xattr.h.
const (
	xattrPrefixUser     = 0
	xattrPrefixTrusted  = 1
	xattrPrefixSecurity = 2
	xattrFlagOOL        = 0x100
	xattrPrefixMask     = 0xff
)

var xattrPrefixes = []struct {
	id     uint16
	prefix string
}{
	{xattrPrefixUser, "user."},
	{xattrPrefixTrusted, "trusted."},
	{xattrPrefixSecurity, "security."},
}

// splitXattrKey strips a recognized prefix, returning its id and the bare
// key, or ok=false when the prefix is not one SquashFS can encode — such
// keys are silently dropped per §4.5.
func splitXattrKey(key string) (id uint16, rest string, ok bool) {
	for _, p := range xattrPrefixes {
		if strings.HasPrefix(key, p.prefix) {
			return p.id, key[len(p.prefix):], true
		}
	}
	return 0, "", false
}

const xattrIDRecordSize = 16 // xattr uint64, count uint32, size uint32

// xattrStoreBuilder is the three-table xattr store: a deduplicated
// key/value stream, a per-inode (key,value)-set descriptor array, and (via
// Write) the flat index over that array. Grounded on
// original_source/include/sqfs/xattr.h for exact field layout; the teacher
// has no xattr support at all.
//
// Values are always written out-of-line (every on-disk entry carries
// xattrFlagOOL and references a standalone value record), which keeps
// value dedup a single hash lookup instead of squashfs-tools' inline-
// unless-duplicate heuristic. Readers must support both forms per the
// format, so this is a legitimate simplification, not a format deviation.
type xattrStoreBuilder struct {
	af      AbstractFile
	comp    Compressor
	kv      *metadataWriter
	kvStart uint64

	valueLocs map[string]uint64 // sha256(value) -> metaRef of its standalone record
	setLocs   map[string]uint32 // sha256(sorted kv-pair blob) -> xattr id

	descs []xattrDesc
}

type xattrDesc struct {
	start uint64 // metaRef of the first entry
	count uint32
	size  uint32
}

type XattrPair struct {
	Key   string // full key, including its recognized prefix
	Value []byte
}

func newXattrStoreBuilder(af AbstractFile, comp Compressor, startOffset uint64) *xattrStoreBuilder {
	return &xattrStoreBuilder{
		af:        af,
		comp:      comp,
		kv:        newMetadataWriter(af, comp, startOffset),
		kvStart:   startOffset,
		valueLocs: make(map[string]uint64),
		setLocs:   make(map[string]uint32),
	}
}

// AddSet registers an inode's full xattr set (after dropping unrecognized
// prefixes) and returns its xattr-id index, reusing an existing id when an
// identical set was already registered.
func (x *xattrStoreBuilder) AddSet(pairs []XattrPair) (uint32, bool, error) {
	filtered := make([]XattrPair, 0, len(pairs))
	for _, p := range pairs {
		if _, _, ok := splitXattrKey(p.Key); ok {
			filtered = append(filtered, p)
		}
	}
	if len(filtered) == 0 {
		return 0, false, nil
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Key < filtered[j].Key })

	h := sha256.New()
	for _, p := range filtered {
		h.Write([]byte(p.Key))
		h.Write([]byte{0})
		h.Write(p.Value)
		h.Write([]byte{0})
	}
	setKey := string(h.Sum(nil))
	if id, ok := x.setLocs[setKey]; ok {
		return id, true, nil
	}

	start := x.kv.Ref()
	size := 0
	for _, p := range filtered {
		prefixID, rest, _ := splitXattrKey(p.Key)
		n, err := x.writeEntry(prefixID, rest, p.Value)
		if err != nil {
			return 0, false, err
		}
		size += n
	}

	id := uint32(len(x.descs))
	x.descs = append(x.descs, xattrDesc{start: uint64(start), count: uint32(len(filtered)), size: uint32(size)})
	x.setLocs[setKey] = id
	return id, true, nil
}

func (x *xattrStoreBuilder) writeEntry(prefixID uint16, key string, value []byte) (int, error) {
	h := sha256.Sum256(value)
	valueKey := string(h[:])
	loc, ok := x.valueLocs[valueKey]
	if !ok {
		vloc := x.kv.Ref()
		rec := make([]byte, 4+len(value))
		binary.LittleEndian.PutUint32(rec, uint32(len(value)))
		copy(rec[4:], value)
		if _, err := x.kv.Write(rec); err != nil {
			return 0, err
		}
		loc = uint64(vloc)
		x.valueLocs[valueKey] = loc
	}

	entry := make([]byte, 4+len(key))
	binary.LittleEndian.PutUint16(entry, prefixID|xattrFlagOOL)
	binary.LittleEndian.PutUint16(entry[2:], uint16(len(key)))
	copy(entry[4:], key)
	if _, err := x.kv.Write(entry); err != nil {
		return 0, err
	}

	ref := make([]byte, 12) // sqfs_xattr_value_t{size=8, value=8-byte ref}
	binary.LittleEndian.PutUint32(ref, 8)
	binary.LittleEndian.PutUint64(ref[4:], loc)
	if _, err := x.kv.Write(ref); err != nil {
		return 0, err
	}

	return len(entry) + len(ref), nil
}

// Write flushes the key/value stream, writes the xattr-id descriptor array
// through its own indexed table, then lays out the sqfs_xattr_id_table_t
// header immediately followed by that table's block-start locations array,
// matching original_source/include/sqfs/xattr.h. Returns the header's
// offset for the Superblock's XattrIdTableStart.
func (x *xattrStoreBuilder) Write() (xattrTableStart uint64, idCount uint32, err error) {
	kvStart := x.kvStart
	if err := x.kv.Flush(); err != nil {
		return 0, 0, err
	}
	idArrayStart := x.kv.Offset()

	tw := newIndexedTableWriter(x.af, x.comp, idArrayStart, xattrIDRecordSize)
	rec := make([]byte, xattrIDRecordSize)
	for _, d := range x.descs {
		binary.LittleEndian.PutUint64(rec[0:8], d.start)
		binary.LittleEndian.PutUint32(rec[8:12], d.count)
		binary.LittleEndian.PutUint32(rec[12:16], d.size)
		if err := tw.Append(rec); err != nil {
			return 0, 0, err
		}
	}
	if err := tw.mw.Flush(); err != nil {
		return 0, 0, err
	}
	payloadEnd := tw.mw.Offset()

	// sqfs_xattr_id_table_t: xattr_table_start, xattr_ids, unused, then
	// the locations[] array (one uint64 per metadata block of descriptors)
	// immediately following the header, not after.
	headerStart := payloadEnd
	header := make([]byte, 16)
	binary.LittleEndian.PutUint64(header[0:8], kvStart)
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(x.descs)))
	binary.LittleEndian.PutUint32(header[12:16], 0)
	if err := retryFullWriteAt(x.af, header, int64(headerStart)); err != nil {
		return 0, 0, err
	}

	locs := make([]byte, 8*len(tw.blockStarts))
	for i, off := range tw.blockStarts {
		binary.LittleEndian.PutUint64(locs[i*8:], off)
	}
	if len(locs) > 0 {
		if err := retryFullWriteAt(x.af, locs, int64(headerStart+16)); err != nil {
			return 0, 0, err
		}
	}

	return headerStart, uint32(len(x.descs)), nil
}

func prefixString(id uint16) (string, bool) {
	for _, p := range xattrPrefixes {
		if p.id == id {
			return p.prefix, true
		}
	}
	return "", false
}

// xattrStore is the read side of the three-table xattr store: it resolves
// an inode's XattrIndex to the full set of (key, value) pairs, following
// out-of-line value references through the same kv stream.
type xattrStore struct {
	sb *Superblock
	r  *indexedTableReader
}

func openXattrStore(sb *Superblock) (*xattrStore, error) {
	if sb.XattrIdTableStart == tableAbsent {
		return &xattrStore{sb: sb}, nil
	}
	header := make([]byte, 16)
	if err := retryFullReadAt(sb.fs, header, int64(sb.XattrIdTableStart)); err != nil {
		return nil, newErr(KindIO, "xattr id table header", err)
	}
	idCount := binary.LittleEndian.Uint32(header[8:12])
	if idCount == 0 {
		return &xattrStore{sb: sb}, nil
	}
	r, err := newIndexedTableReader(sb.fs, sb.cache, sb.order, sb.XattrIdTableStart+16, int(idCount), xattrIDRecordSize)
	if err != nil {
		return nil, err
	}
	return &xattrStore{sb: sb, r: r}, nil
}

// Get returns the full (key, value) set recorded under xattr-id id.
func (x *xattrStore) Get(id uint32) ([]XattrPair, error) {
	if x.r == nil {
		return nil, nil
	}
	buf, err := x.r.Read(int(id))
	if err != nil {
		return nil, err
	}
	start := binary.LittleEndian.Uint64(buf[0:8])
	count := binary.LittleEndian.Uint32(buf[8:12])

	mr := newMetadataReader(x.sb.cache, metaRef(start))
	pairs := make([]XattrPair, 0, count)
	for i := uint32(0); i < count; i++ {
		entryHead := make([]byte, 4)
		if _, err := mr.Read(entryHead); err != nil {
			return nil, err
		}
		kind := binary.LittleEndian.Uint16(entryHead)
		keySize := binary.LittleEndian.Uint16(entryHead[2:])
		prefixID := kind & xattrPrefixMask
		ool := kind&xattrFlagOOL != 0

		keyBuf := make([]byte, keySize)
		if _, err := mr.Read(keyBuf); err != nil {
			return nil, err
		}
		prefix, ok := prefixString(prefixID)
		if !ok {
			return nil, newErr(KindCorrupt, "xattr entry has unrecognized prefix id", nil)
		}

		valSizeBuf := make([]byte, 4)
		if _, err := mr.Read(valSizeBuf); err != nil {
			return nil, err
		}
		valSize := binary.LittleEndian.Uint32(valSizeBuf)

		var value []byte
		if ool {
			refBuf := make([]byte, 8)
			if _, err := mr.Read(refBuf); err != nil {
				return nil, err
			}
			vref := metaRef(binary.LittleEndian.Uint64(refBuf))
			vr := newMetadataReader(x.sb.cache, vref)
			sizeBuf := make([]byte, 4)
			if _, err := vr.Read(sizeBuf); err != nil {
				return nil, err
			}
			actualSize := binary.LittleEndian.Uint32(sizeBuf)
			value = make([]byte, actualSize)
			if _, err := vr.Read(value); err != nil {
				return nil, err
			}
		} else {
			value = make([]byte, valSize)
			if _, err := mr.Read(value); err != nil {
				return nil, err
			}
		}

		pairs = append(pairs, XattrPair{Key: prefix + string(keyBuf), Value: value})
	}
	return pairs, nil
}
