package squashfs

import (
	"fmt"
	"io/fs"
	"testing"
	"testing/fstest"
)

func TestWriterLargeDirectorySpansMultipleRuns(t *testing.T) {
	src := fstest.MapFS{}
	const n = 600
	for i := 0; i < n; i++ {
		src[fmt.Sprintf("many/file-%04d.txt", i)] = &fstest.MapFile{Data: []byte("x"), Mode: 0644}
	}

	r := buildTestImage(t, src)
	entries, err := fs.ReadDir(r, "many")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != n {
		t.Fatalf("ReadDir returned %d entries, want %d", len(entries), n)
	}
}

func TestWriterXattrRoundTrip(t *testing.T) {
	src := fstest.MapFS{
		"a.txt": {Data: []byte("hello"), Mode: 0644},
		"b.txt": {Data: []byte("world"), Mode: 0644},
	}
	pairs := map[string][]XattrPair{
		"a.txt": {{Key: "user.comment", Value: []byte("one")}},
		"b.txt": {{Key: "user.comment", Value: []byte("one")}}, // identical set, should dedup to the same xattr id
	}

	mem := NewMemFile()
	w, err := NewWriter(mem, WithXattrProvider(func(p string) ([]XattrPair, error) {
		return pairs[p], nil
	}))
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

	r, err := OpenReader(mem)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}

	f, err := r.Open("a.txt")
	if err != nil {
		t.Fatalf("Open(a.txt): %v", err)
	}
	ino := f.(*File).Sys().(*Inode)
	got, err := ino.Xattrs()
	if err != nil {
		t.Fatalf("Xattrs: %v", err)
	}
	if len(got) != 1 || got[0].Key != "user.comment" || string(got[0].Value) != "one" {
		t.Fatalf("Xattrs = %+v, want [{user.comment one}]", got)
	}
}

func TestWriterEmptyDirectory(t *testing.T) {
	src := fstest.MapFS{
		"a": {Mode: fs.ModeDir | 0755},
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
	r, err := OpenReader(mem)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	entries, err := fs.ReadDir(r, "a")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("ReadDir(a) = %d entries, want 0", len(entries))
	}
}
