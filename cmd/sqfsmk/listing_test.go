package main

import (
	"strings"
	"testing"
)

func TestParseListingBasic(t *testing.T) {
	src := `# a comment
dir /dev 0755 0 0
nod /dev/console 0600 0 0 c 5 1
dir /root 0700 0 0
file /sbin/init 0755 0 0 ../init/sbin/init
file /bin/bash 0755 0 0
slink /bin/sh 0777 0 0 bash
`
	entries, err := parseListing(strings.NewReader(src))
	if err != nil {
		t.Fatalf("parseListing: %v", err)
	}
	if len(entries) != 6 {
		t.Fatalf("got %d entries, want 6", len(entries))
	}

	nod := entries[1]
	if nod.kind != "nod" || nod.path != "/dev/console" || !nod.char || nod.major != 5 || nod.minor != 1 {
		t.Fatalf("unexpected nod entry: %+v", nod)
	}

	withLoc := entries[3]
	if withLoc.kind != "file" || withLoc.loc != "../init/sbin/init" {
		t.Fatalf("unexpected file entry: %+v", withLoc)
	}

	withoutLoc := entries[4]
	if withoutLoc.kind != "file" || withoutLoc.loc != "" {
		t.Fatalf("unexpected file entry: %+v", withoutLoc)
	}

	slink := entries[len(entries)-1]
	if slink.kind != "slink" || slink.target != "bash" {
		t.Fatalf("unexpected slink entry: %+v", slink)
	}
}

func TestParseListingQuotedPath(t *testing.T) {
	src := `file "/opt/my app/\"special\"/data" 0600 0 0`
	entries, err := parseListing(strings.NewReader(src))
	if err != nil {
		t.Fatalf("parseListing: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	want := `/opt/my app/"special"/data`
	if entries[0].path != want {
		t.Fatalf("path = %q, want %q", entries[0].path, want)
	}
}

func TestParseListingErrors(t *testing.T) {
	cases := []string{
		"bogus /a 0755 0 0",
		"file /a 0755 0",
		"nod /a 0600 0 0 x 1 2",
		`file "/unterminated 0644 0 0`,
	}
	for _, src := range cases {
		if _, err := parseListing(strings.NewReader(src)); err == nil {
			t.Fatalf("expected error for %q", src)
		}
	}
}
