package squashfs

import (
	"bytes"
	"encoding/binary"
	"io"
)

// marshalLE encodes a fixed-layout struct of only fixed-size fields to
// little-endian bytes. Used for the small per-codec options blobs (§6,
// "compressor-options blob").
func marshalLE(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// unmarshalLE is the dual of marshalLE.
func unmarshalLE(data []byte, v interface{}) error {
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, v)
}

// readFields reads each field in order from r via binary.Read, stopping at
// the first error. Used by inode.go's per-type decoders to keep a long run
// of fixed-width fields from turning into a wall of repeated error checks.
func readFields(r io.Reader, order binary.ByteOrder, fields ...interface{}) error {
	for _, f := range fields {
		if err := binary.Read(r, order, f); err != nil {
			return err
		}
	}
	return nil
}

// writeFields is the write-side dual of readFields, used by inodewriter.go
// to serialize a per-type field run without a wall of repeated error checks.
func writeFields(w io.Writer, order binary.ByteOrder, fields ...interface{}) error {
	for _, f := range fields {
		if err := binary.Write(w, order, f); err != nil {
			return err
		}
	}
	return nil
}
