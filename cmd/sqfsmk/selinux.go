package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// selinuxRule is one line of a --selinux label file: a doublestar glob
// matched against an in-image path (without a leading slash) plus the
// SELinux context string to store as that path's security.selinux xattr.
type selinuxRule struct {
	glob    string
	context string
}

// loadSelinuxRules reads a label file of "<glob> <context>" lines, in the
// style of a libselinux file_contexts spec, one rule per line with blank
// and '#'-prefixed lines ignored.
func loadSelinuxRules(path string) ([]selinuxRule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rules []selinuxRule
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		glob, context, found := strings.Cut(line, " ")
		if !found {
			return nil, fmt.Errorf("%s:%d: expected \"<glob> <context>\"", path, lineNo)
		}
		rules = append(rules, selinuxRule{glob: strings.TrimPrefix(strings.TrimSpace(glob), "/"), context: strings.TrimSpace(context)})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

// contextFor returns the context of the first rule whose glob matches p,
// the same first-match-wins order the rules were declared in.
func contextFor(rules []selinuxRule, p string) (string, bool) {
	p = strings.TrimPrefix(p, "/")
	for _, r := range rules {
		ok, err := doublestar.Match(r.glob, p)
		if err == nil && ok {
			return r.context, true
		}
	}
	return "", false
}
