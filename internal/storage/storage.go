// Package storage allocates sequential photo filenames and writes photos
// to disk.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cjeanneret/TouchCam/internal/debug"
)

// Ext is the extension of every photo file.
const Ext = ".jpg"

// ErrLowSpace is returned when the output directory is below the
// configured free-space threshold.
var ErrLowSpace = errors.New("storage: not enough free space")

// MaxIndex is the highest sequence number the store will allocate.
// Files numbered above it are not treated as photos.
const MaxIndex = 99_999_999

// ErrSequenceFull is returned when MaxIndex is already taken.
var ErrSequenceFull = errors.New("storage: photo sequence exhausted")

// Store writes photos named {prefix}NNNN.jpg into one directory.
type Store struct {
	Dir       string
	Prefix    string
	MinFree   uint64 // bytes; 0 disables the check
	freeSpace func(dir string) (uint64, error)
}

// New returns a store for dir, creating the directory if needed.
func New(dir, prefix string, minFree uint64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Store{Dir: dir, Prefix: prefix, MinFree: minFree, freeSpace: FreeBytes}, nil
}

// Index parses the sequence number out of a photo filename. ok is false
// when name does not look like {prefix}NNNN.jpg or the number is above
// MaxIndex.
func Index(name, prefix string) (n int, ok bool) {
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, Ext) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, prefix), Ext)
	if digits == "" {
		return 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n > MaxIndex {
		return 0, false
	}
	return n, true
}

// Name formats the filename for sequence number n (4-digit zero padded).
func Name(prefix string, n int) string {
	return fmt.Sprintf("%s%04d%s", prefix, n, Ext)
}

// NextPath returns the path one past the highest existing index in dir,
// or index 1 when there is none.
func NextPath(dir, prefix string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("scan %s: %w", dir, err)
	}
	highest := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := Index(e.Name(), prefix); ok && n > highest {
			highest = n
		}
	}
	if highest >= MaxIndex {
		return "", fmt.Errorf("%w: %s", ErrSequenceFull, Name(prefix, highest))
	}
	return filepath.Join(dir, Name(prefix, highest+1)), nil
}

// CheckSpace returns ErrLowSpace when the directory has less than
// MinFree bytes available. Filesystems that cannot report free space are
// not checked.
func (s *Store) CheckSpace() error {
	if s.MinFree == 0 || s.freeSpace == nil {
		return nil
	}
	free, err := s.freeSpace(s.Dir)
	if err != nil {
		debug.Verbose("free space check skipped: %v", err)
		return nil
	}
	if free < s.MinFree {
		return fmt.Errorf("%w: %d MB free, need %d MB", ErrLowSpace, free>>20, s.MinFree>>20)
	}
	return nil
}

// Save writes data to the next free sequential path and returns it.
// The file is written under a temporary name and renamed into place so a
// partially written photo never carries a valid sequence name.
func (s *Store) Save(data []byte) (string, error) {
	path, err := NextPath(s.Dir, s.Prefix)
	if err != nil {
		return "", err
	}
	if err := WriteFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// WriteFileAtomic writes data to path through a temp file in the same directory.
func WriteFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*"+Ext)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
