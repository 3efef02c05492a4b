package main

import (
	"path/filepath"

	"github.com/pkg/xattr"

	"github.com/sqfsgo/squashfs"
)

// buildXattrProvider returns a squashfs.WithXattrProvider callback that
// sources a given in-image path's xattr pairs from the real file at
// root+path (when keepXattr) and/or from a matching --selinux rule.
func buildXattrProvider(root string, keepXattr bool, rules []selinuxRule) func(string) ([]squashfs.XattrPair, error) {
	return func(p string) ([]squashfs.XattrPair, error) {
		var pairs []squashfs.XattrPair
		if keepXattr {
			real := filepath.Join(root, p)
			names, err := xattr.LList(real)
			if err == nil {
				for _, name := range names {
					val, err := xattr.LGet(real, name)
					if err != nil {
						continue
					}
					pairs = append(pairs, squashfs.XattrPair{Key: name, Value: val})
				}
			}
		}
		if ctx, ok := contextFor(rules, p); ok {
			pairs = append(pairs, squashfs.XattrPair{Key: "security.selinux", Value: []byte(ctx)})
		}
		return pairs, nil
	}
}
