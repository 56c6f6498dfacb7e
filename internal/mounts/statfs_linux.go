//go:build linux

package mounts

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// nilfsSuperMagic is NILFS_SUPER_MAGIC from linux/magic.h
const nilfsSuperMagic = 0x3434

// IsNilfs reports whether the file system holding path is NILFS2 according
// to statfs(2).
func IsNilfs(path string) (bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false, fmt.Errorf("statfs %s: %w", path, err)
	}
	return int64(st.Type) == nilfsSuperMagic, nil
}
