//go:build unix

package socketprovider

import (
	"io/fs"

	"golang.org/x/sys/unix"
)

// checkAccess fails early when the socket cannot be opened by this user,
// instead of when the build first mounts it.
func checkAccess(p string) error {
	if err := unix.Access(p, unix.R_OK|unix.W_OK); err != nil {
		return &fs.PathError{Op: "access", Path: p, Err: err}
	}
	return nil
}
