package squashfs

import (
	"context"
	"io/fs"
)

// Reader is the read-side entrypoint: an fs.FS-compatible view over an
// already-opened Superblock. It exists separately from Superblock so
// callers get a conventional fs.FS/fs.StatFS surface (Open/Stat) without
// reaching into Superblock's lower-level Inode-by-reference API directly.
type Reader struct {
	sb *Superblock
}

var _ fs.FS = (*Reader)(nil)
var _ fs.StatFS = (*Reader)(nil)

// OpenReader opens af as a SquashFS image and returns a Reader over it.
func OpenReader(af AbstractFile, opts ...ReaderOption) (*Reader, error) {
	sb, err := Open(af, opts...)
	if err != nil {
		return nil, err
	}
	return &Reader{sb: sb}, nil
}

// Superblock exposes the underlying Superblock for callers that need the
// lower-level Inode-by-reference API (e.g. cmd/sqfsunpack's describe
// operation dumping table offsets).
func (r *Reader) Superblock() *Superblock {
	return r.sb
}

// InodeByNumber resolves a squashfs inode number to its decoded Inode,
// consulting the export table (built by Writer when WithExportable was
// set) for inode numbers not already reachable through a directory walk.
// Returns ErrInodeNotExported if the image carries no export table and
// the number hasn't already been cached by a prior lookup.
func (r *Reader) InodeByNumber(n uint32) (*Inode, error) {
	return r.sb.GetInode(uint64(n))
}

// resolve walks name (a slash-separated path relative to the image root)
// down to its Inode.
func (r *Reader) resolve(name string) (*Inode, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	if name == "." {
		return r.sb.rootIno, nil
	}
	return r.sb.rootIno.LookupRelativeInodePath(context.Background(), name)
}

// Open implements fs.FS. The returned fs.File is a *File for regular
// files and a *FileDir (implementing fs.ReadDirFile) for directories.
func (r *Reader) Open(name string) (fs.File, error) {
	ino, err := r.resolve(name)
	if err != nil {
		if pe, ok := err.(*fs.PathError); ok {
			return nil, pe
		}
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return ino.OpenFile(name), nil
}

// Stat implements fs.StatFS without materializing a fs.File first.
func (r *Reader) Stat(name string) (fs.FileInfo, error) {
	f, err := r.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Stat()
}

// ReadLink returns a symlink's target, the fs.FS-adjacent operation
// fs.ReadLinkFS standardizes; Reader implements it under the same name so
// callers written against that interface work unmodified.
func (r *Reader) ReadLink(name string) (string, error) {
	ino, err := r.resolve(name)
	if err != nil {
		if pe, ok := err.(*fs.PathError); ok {
			return "", pe
		}
		return "", &fs.PathError{Op: "readlink", Path: name, Err: err}
	}
	target, err := ino.Readlink()
	if err != nil {
		return "", &fs.PathError{Op: "readlink", Path: name, Err: err}
	}
	return string(target), nil
}

// Lstat reports whether name itself is a symlink rather than following it;
// Reader never follows symlinks during path resolution (LookupRelativeInode
// matches names literally), so this is equivalent to Stat for this reader.
func (r *Reader) Lstat(name string) (fs.FileInfo, error) {
	return r.Stat(name)
}
