//go:build !unix

package tables

import "os"

// OpenReadOnly opens a table file for reading.
func OpenReadOnly(path string) (*os.File, error) {
	return os.Open(path)
}
