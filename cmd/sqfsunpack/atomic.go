package main

import (
	"github.com/google/renameio/v2"
)

// pendingFile wraps renameio's PendingFile so unpackRegular can write and
// chmod through a stable *os.File handle before the atomic rename commits
// the final name.
type pendingFile struct {
	pf   *renameio.PendingFile
	file *renameio.PendingFile
	name string
}

func renameioTempFile(dest string) (*pendingFile, error) {
	pf, err := renameio.TempFile("", dest)
	if err != nil {
		return nil, err
	}
	return &pendingFile{pf: pf, file: pf, name: pf.Name()}, nil
}

func (p *pendingFile) commit() error {
	return p.pf.CloseAtomicallyReplace()
}

func (p *pendingFile) cleanup() {
	p.pf.Cleanup()
}
