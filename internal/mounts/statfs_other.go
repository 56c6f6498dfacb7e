//go:build !linux

package mounts

import "errors"

// ErrStatfsUnsupported is returned where statfs magic numbers are unavailable
var ErrStatfsUnsupported = errors.New("file system type check not supported on this platform")

// IsNilfs always fails outside Linux
func IsNilfs(path string) (bool, error) {
	return false, ErrStatfsUnsupported
}
