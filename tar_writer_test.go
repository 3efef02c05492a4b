package squashfs

import (
	"archive/tar"
	"bytes"
	"io"
	"io/fs"
	"testing"

	"github.com/sqfsgo/squashfs/tarfs"
)

func buildTarBytes(t *testing.T, entries []tar.Header, bodies []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for i, h := range entries {
		hc := h
		if bodies[i] != "" {
			hc.Size = int64(len(bodies[i]))
		}
		if err := tw.WriteHeader(&hc); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if bodies[i] != "" {
			if _, err := tw.Write([]byte(bodies[i])); err != nil {
				t.Fatalf("Write: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func TestWriterAddTarEntry(t *testing.T) {
	data := buildTarBytes(t, []tar.Header{
		{Name: "dir/file.txt", Typeflag: tar.TypeReg, Mode: 0644, Uid: 1000, Gid: 1000},
		{Name: "dir/link", Typeflag: tar.TypeSymlink, Linkname: "file.txt", Mode: 0777},
	}, []string{"tar content", ""})

	mem := NewMemFile()
	w, err := NewWriter(mem)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	walker := tarfs.NewWalker(bytes.NewReader(data))
	for {
		e, err := walker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Walker.Next: %v", err)
		}
		if err := w.AddTarEntry(e); err != nil {
			t.Fatalf("AddTarEntry(%s): %v", e.Name, err)
		}
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	r, err := OpenReader(mem)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}

	f, err := r.Open("dir/file.txt")
	if err != nil {
		t.Fatalf("Open(dir/file.txt): %v", err)
	}
	got, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "tar content" {
		t.Fatalf("content = %q, want %q", got, "tar content")
	}

	fi, err := r.Stat("dir")
	if err != nil {
		t.Fatalf("Stat(dir) (auto-vivified parent): %v", err)
	}
	if !fi.IsDir() {
		t.Fatalf("dir should have been auto-vivified as a directory")
	}

	target, err := r.ReadLink("dir/link")
	if err != nil {
		t.Fatalf("ReadLink: %v", err)
	}
	if target != "file.txt" {
		t.Fatalf("ReadLink = %q, want %q", target, "file.txt")
	}
	_ = fs.ModeDir
}
