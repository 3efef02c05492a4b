package main

import "golang.org/x/sys/unix"

// deviceOf returns the st_dev of path when enabled is true, so
// packFromDir can detect a mount-point boundary for --one-file-system.
// Returns 0, nil when disabled, so callers can compare unconditionally.
func deviceOf(path string, enabled bool) (uint64, error) {
	if !enabled {
		return 0, nil
	}
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Dev), nil
}
