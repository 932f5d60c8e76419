//go:build unix

package tables

import (
	"os"

	"golang.org/x/sys/unix"
)

// OpenReadOnly opens a table file for reading without following a symlink
// in the last path component.
func OpenReadOnly(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
}
