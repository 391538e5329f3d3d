//go:build !linux

package storage

import "errors"

// FreeBytes is not implemented outside Linux.
func FreeBytes(dir string) (uint64, error) {
	return 0, errors.New("storage: free space unknown on this platform")
}
