package squashfs

import (
	"io/fs"
	"testing"
	"testing/fstest"
)

func TestReaderOpenNotExist(t *testing.T) {
	r := buildTestImage(t, fstest.MapFS{"a.txt": {Data: []byte("hi"), Mode: 0644}})
	if _, err := r.Open("does/not/exist"); !fs.IsNotExist(err) {
		t.Fatalf("Open(missing): got %v, want fs.ErrNotExist", err)
	}
}

func TestReaderStatFile(t *testing.T) {
	r := buildTestImage(t, fstest.MapFS{"a.txt": {Data: []byte("hello"), Mode: 0644}})
	fi, err := r.Stat("a.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if fi.IsDir() {
		t.Fatalf("a.txt should not be a directory")
	}
	if fi.Size() != 5 {
		t.Fatalf("Size() = %d, want 5", fi.Size())
	}
}

func TestReaderReadLinkOnRegularFileFails(t *testing.T) {
	r := buildTestImage(t, fstest.MapFS{"a.txt": {Data: []byte("hello"), Mode: 0644}})
	if _, err := r.ReadLink("a.txt"); err == nil {
		t.Fatalf("ReadLink on a regular file should fail")
	}
}
