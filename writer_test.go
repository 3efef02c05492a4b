package squashfs

import (
	"bytes"
	"io"
	"io/fs"
	"sort"
	"testing"
	"testing/fstest"
)

func buildTestImage(t *testing.T, src fstest.MapFS, opts ...WriterOption) *Reader {
	t.Helper()
	mem := NewMemFile()
	w, err := NewWriter(mem, opts...)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	w.SetSourceFS(src)
	if err := fs.WalkDir(src, ".", w.Add); err != nil {
		t.Fatalf("WalkDir/Add: %v", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	r, err := OpenReader(mem)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	return r
}

func TestWriterRoundTripBasic(t *testing.T) {
	src := fstest.MapFS{
		"dir/a.txt":        {Data: []byte("hello world"), Mode: 0644},
		"dir/b.txt":        {Data: bytes.Repeat([]byte("x"), 300000), Mode: 0644},
		"dir/sub/c.txt":    {Data: []byte("nested"), Mode: 0644},
		"empty.txt":        {Data: []byte{}, Mode: 0644},
		"link":             {Data: []byte("dir/a.txt"), Mode: fs.ModeSymlink | 0777},
		"emptydir/.keepme": {Data: []byte("x"), Mode: 0644},
	}

	r := buildTestImage(t, src)

	for _, name := range []string{"dir/a.txt", "dir/b.txt", "dir/sub/c.txt", "empty.txt"} {
		f, err := r.Open(name)
		if err != nil {
			t.Fatalf("Open(%s): %v", name, err)
		}
		got, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			t.Fatalf("ReadAll(%s): %v", name, err)
		}
		want := src[name].Data
		if !bytes.Equal(got, want) {
			t.Fatalf("%s: content mismatch: got %d bytes, want %d bytes", name, len(got), len(want))
		}
	}

	target, err := r.ReadLink("link")
	if err != nil {
		t.Fatalf("ReadLink: %v", err)
	}
	if target != "dir/a.txt" {
		t.Fatalf("ReadLink: got %q, want %q", target, "dir/a.txt")
	}

	fi, err := r.Stat("dir")
	if err != nil {
		t.Fatalf("Stat(dir): %v", err)
	}
	if !fi.IsDir() {
		t.Fatalf("Stat(dir): expected directory")
	}

	entries, err := fs.ReadDir(r, "dir")
	if err != nil {
		t.Fatalf("ReadDir(dir): %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	wantNames := []string{"a.txt", "b.txt", "sub"}
	if len(names) != len(wantNames) {
		t.Fatalf("ReadDir(dir): got %v, want %v", names, wantNames)
	}
	for i, n := range names {
		if n != wantNames[i] {
			t.Fatalf("ReadDir(dir): got %v, want %v", names, wantNames)
		}
	}
}

func TestWriterRoundTripExportable(t *testing.T) {
	src := fstest.MapFS{
		"a.txt": {Data: []byte("a"), Mode: 0644},
		"b.txt": {Data: []byte("b"), Mode: 0644},
	}
	r := buildTestImage(t, src, WithExportable())

	root, err := r.InodeByNumber(1)
	if err != nil {
		t.Fatalf("InodeByNumber(1): %v", err)
	}
	if !root.IsDir() {
		t.Fatalf("InodeByNumber(1): expected root directory")
	}
}

func TestWriterDuplicateContentDedup(t *testing.T) {
	payload := bytes.Repeat([]byte("dup"), 100000)
	src := fstest.MapFS{
		"a.bin": {Data: payload, Mode: 0644},
		"b.bin": {Data: append([]byte(nil), payload...), Mode: 0644},
	}
	mem := NewMemFile()
	w, err := NewWriter(mem)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	w.SetSourceFS(src)
	if err := fs.WalkDir(src, ".", w.Add); err != nil {
		t.Fatalf("WalkDir: %v", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	a := w.inodeMap["a.bin"]
	b := w.inodeMap["b.bin"]
	if a.blockStart != b.blockStart {
		t.Fatalf("expected duplicate file content to share block storage: a=%d b=%d", a.blockStart, b.blockStart)
	}
}

func TestWriterGZipOptionsBlob(t *testing.T) {
	mem := NewMemFile()
	w, err := NewWriter(mem)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if !w.flags.Has(COMPRESSOR_OPTIONS) {
		t.Fatalf("gzip always writes an options blob; COMPRESSOR_OPTIONS should be set")
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if _, err := OpenReader(mem); err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
}
