package tarfs

import (
	"archive/tar"
	"bytes"
	"io"
	"testing"
)

func buildTar(t *testing.T, entries []tar.Header, bodies []string) []byte {
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

func TestWalkerBasic(t *testing.T) {
	data := buildTar(t, []tar.Header{
		{Name: "dir/", Typeflag: tar.TypeDir, Mode: 0755},
		{Name: "dir/file.txt", Typeflag: tar.TypeReg, Mode: 0644},
		{Name: "dir/link", Typeflag: tar.TypeSymlink, Linkname: "file.txt", Mode: 0777},
	}, []string{"", "hello", ""})

	w := NewWalker(bytes.NewReader(data))

	e, err := w.Next()
	if err != nil {
		t.Fatalf("Next (dir): %v", err)
	}
	if e.Name != "dir" || e.Typeflag != tar.TypeDir {
		t.Fatalf("unexpected entry: %+v", e)
	}

	e, err = w.Next()
	if err != nil {
		t.Fatalf("Next (file): %v", err)
	}
	if e.Name != "dir/file.txt" {
		t.Fatalf("unexpected name: %q", e.Name)
	}
	body, err := io.ReadAll(e)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("body = %q, want %q", body, "hello")
	}

	e, err = w.Next()
	if err != nil {
		t.Fatalf("Next (link): %v", err)
	}
	if e.Typeflag != tar.TypeSymlink || e.Linkname != "file.txt" {
		t.Fatalf("unexpected symlink entry: %+v", e)
	}

	if _, err := w.Next(); err != io.EOF {
		t.Fatalf("Next at end: got %v, want io.EOF", err)
	}
}

func TestWalkerHardLink(t *testing.T) {
	data := buildTar(t, []tar.Header{
		{Name: "a.txt", Typeflag: tar.TypeReg, Mode: 0644},
		{Name: "b.txt", Typeflag: tar.TypeLink, Linkname: "a.txt"},
	}, []string{"hi", ""})

	w := NewWalker(bytes.NewReader(data))
	if _, err := w.Next(); err != nil {
		t.Fatalf("Next (a.txt): %v", err)
	}
	if _, err := w.Next(); err != ErrHardLink {
		t.Fatalf("Next (hard link): got %v, want ErrHardLink", err)
	}
}

func TestWalkerXattrs(t *testing.T) {
	h := tar.Header{
		Name:     "a.txt",
		Typeflag: tar.TypeReg,
		Mode:     0644,
		Format:   tar.FormatPAX,
		PAXRecords: map[string]string{
			"SCHILY.xattr.user.comment": "hello",
			"comment":                   "ignored, no SCHILY.xattr. prefix",
		},
	}
	data := buildTar(t, []tar.Header{h}, []string{"hi"})

	w := NewWalker(bytes.NewReader(data))
	e, err := w.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if e.Xattrs["user.comment"] != "hello" {
		t.Fatalf("Xattrs[user.comment] = %q, want %q", e.Xattrs["user.comment"], "hello")
	}
	if _, ok := e.Xattrs["comment"]; ok {
		t.Fatalf("unexpected xattr key %q leaked through", "comment")
	}
}
