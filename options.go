package squashfs

import (
	"io/fs"
	"time"
)

// WriterOption configures a Writer created by NewWriter.
type WriterOption func(w *Writer) error

// WithBlockSize sets the data block size (default 131072). Must be a power
// of two between 4096 and 1048576 per §3.
func WithBlockSize(size uint32) WriterOption {
	return func(w *Writer) error {
		w.blockSize = size
		return nil
	}
}

// WithCompressor sets the codec used for both metadata and data blocks
// (default GZip).
func WithCompressor(id SquashComp) WriterOption {
	return func(w *Writer) error {
		comp, err := NewCompressor(id)
		if err != nil {
			return err
		}
		w.compID = id
		w.comp = comp
		return nil
	}
}

// WithModTime overrides the filesystem modification time recorded in the
// superblock (default: time.Now() at NewWriter).
func WithModTime(t time.Time) WriterOption {
	return func(w *Writer) error {
		w.modTime = int32(t.Unix())
		return nil
	}
}

// WithJobs sets how many goroutines blockPipeline may use to compress a
// single file's data blocks in parallel (default: 1, meaning no
// parallelism). Values <= 1 disable the worker pool entirely.
func WithJobs(n int) WriterOption {
	return func(w *Writer) error {
		if n > 1 {
			w.pool = newWorkerPool(n)
		} else {
			w.pool = nil
		}
		return nil
	}
}

// WithQueueBacklog overrides the worker pool's submission-queue depth
// multiplier (default 10, i.e. 10*jobs in-flight blocks). Has no effect
// unless WithJobs(n) with n > 1 is also given, and must be applied after
// WithJobs in the opts list since it replaces w.pool.
func WithQueueBacklog(backlog int) WriterOption {
	return func(w *Writer) error {
		if w.pool != nil {
			w.pool = newWorkerPoolWithBacklog(w.pool.n, backlog)
		}
		return nil
	}
}

// WithDefaultDirAttrs overrides the owner, permission bits and mtime given
// to directories the Writer auto-vivifies because a path's parent was
// never added explicitly (AddTarEntry, AddRaw). Default: uid 0, gid 0,
// mode 0755, mtime 0. Matches sqfsmk's --defaults flag, which the maker
// docs describe as applying only "to implicitly created directories".
func WithDefaultDirAttrs(uid, gid uint32, mode fs.FileMode, mtime int64) WriterOption {
	return func(w *Writer) error {
		w.defaultDirUid = uid
		w.defaultDirGid = gid
		w.defaultDirMode = mode & fs.ModePerm
		w.defaultDirMtime = mtime
		return nil
	}
}

// WithTunedCompressor installs a Compressor instance that has already had
// codec-specific parameters applied through Tunable.SetExtra, bypassing the
// plain NewCompressor(id) construction WithCompressor performs. Matches
// sqfsmk's --comp-extra flag, which builds and tunes the Compressor before
// the Writer exists.
func WithTunedCompressor(id SquashComp, comp Compressor) WriterOption {
	return func(w *Writer) error {
		w.compID = id
		w.comp = comp
		return nil
	}
}

// WithExportable sets the EXPORTABLE flag and causes Finalize to build the
// NFS export table mapping inode numbers back to inodeRefs.
func WithExportable() WriterOption {
	return func(w *Writer) error {
		w.flags |= EXPORTABLE
		return nil
	}
}

// WithNoFragments disables tail-fragment packing: every file's last
// partial block is stored as a full data block instead of being
// accumulated into the fragment table. Matches mksquashfs's -no-fragments.
func WithNoFragments() WriterOption {
	return func(w *Writer) error {
		w.noFragments = true
		return nil
	}
}

// WithNoDuplicates disables whole-file block-run deduplication (mksquashfs's
// -no-duplicates). Every file is written out even if byte-identical to one
// already stored.
func WithNoDuplicates() WriterOption {
	return func(w *Writer) error {
		w.noDuplicates = true
		return nil
	}
}

// WithWriterLogger routes the Writer's progress/warning messages through l
// instead of discarding them.
func WithWriterLogger(l Logger) WriterOption {
	return func(w *Writer) error {
		w.log = l
		return nil
	}
}
