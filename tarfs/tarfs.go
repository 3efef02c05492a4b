// Package tarfs is the L6 front-end: it turns a tar stream into the
// sequence of Entry values Writer.AddTarEntry consumes, so sqfsmk --pack-tar
// can stream an archive straight into an image without materializing a tree
// on disk first.
//
// Field layout, checksum handling and PAX-over-GNU precedence are grounded
// on original_source/include/tar.h and lib/tar/read_header.c. The actual
// record parsing, checksum verification and GNU/PAX sparse-map handling are
// delegated to archive/tar: no third-party tar implementation appears
// anywhere in the example pack (see DESIGN.md), and the standard library's
// tar.Reader already materializes GNU old-style and PAX GNU.sparse.* holes
// as zero runs when Read is called, which is exactly the behavior
// read_header.c's sparse handling describes.
package tarfs

import (
	"archive/tar"
	"errors"
	"io"
	"strings"
	"time"
)

// ErrHardLink is returned by Next when encountering a tar hard-link record.
// Tar hard links are not reconstructed (spec.md Non-goals); callers should
// log and skip rather than treat this as fatal.
var ErrHardLink = errors.New("tarfs: hard link entries are not reconstructed")

// Entry is one file system object read from a tar stream, reduced to the
// fields Writer.AddTarEntry needs to build a squashfs inode.
type Entry struct {
	Name     string
	Typeflag byte // tar.TypeReg, tar.TypeDir, tar.TypeSymlink, ...
	Linkname string
	Size     int64
	Mode     int64 // raw unix permission bits, as stored in the tar header
	Uid      int
	Gid      int
	ModTime  time.Time
	Devmajor int64
	Devminor int64
	Xattrs   map[string]string // SCHILY.xattr.* PAX records, prefix stripped

	body io.Reader
}

// Read reads the entry's body. Valid until the next call to Walker.Next.
func (e *Entry) Read(p []byte) (int, error) {
	return e.body.Read(p)
}

// Walker sequences tar entries out of an underlying reader.
type Walker struct {
	tr *tar.Reader
}

// NewWalker wraps r, which must be positioned at the start of a tar stream.
func NewWalker(r io.Reader) *Walker {
	return &Walker{tr: tar.NewReader(r)}
}

// Next returns the next entry, or io.EOF once the archive is exhausted.
// Global/per-entry PAX extension headers are consumed transparently by the
// underlying tar.Reader and never surface here.
func (w *Walker) Next() (*Entry, error) {
	hdr, err := w.tr.Next()
	if err != nil {
		return nil, err
	}
	if hdr.Typeflag == tar.TypeLink {
		return nil, ErrHardLink
	}

	xattrs := make(map[string]string)
	for k, v := range hdr.PAXRecords {
		if rest, ok := strings.CutPrefix(k, "SCHILY.xattr."); ok {
			xattrs[rest] = v
		}
	}

	name := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(hdr.Name, "./"), "/"), "/")

	return &Entry{
		Name:     name,
		Typeflag: hdr.Typeflag,
		Linkname: hdr.Linkname,
		Size:     hdr.Size,
		Mode:     hdr.Mode,
		Uid:      hdr.Uid,
		Gid:      hdr.Gid,
		ModTime:  hdr.ModTime,
		Devmajor: hdr.Devmajor,
		Devminor: hdr.Devminor,
		Xattrs:   xattrs,
		body:     w.tr,
	}, nil
}
