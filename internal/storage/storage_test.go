package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestNextPath(t *testing.T) {
	tests := []struct {
		name     string
		existing []string
		want     string
	}{
		{"empty directory", nil, "RPCAM0001.jpg"},
		{"gap in sequence", []string{"RPCAM0001.jpg", "RPCAM0007.jpg"}, "RPCAM0008.jpg"},
		{"ignores other prefixes", []string{"IMG0050.jpg", "RPCAM0002.jpg"}, "RPCAM0003.jpg"},
		{"ignores non numeric", []string{"RPCAMabcd.jpg", "RPCAM.jpg", "RPCAM0004.png"}, "RPCAM0001.jpg"},
		{"ignores temp files", []string{".tmp-123.jpg", "RPCAM0009.jpg"}, "RPCAM0010.jpg"},
		{"past four digits", []string{"RPCAM9999.jpg"}, "RPCAM10000.jpg"},
		{"ignores out of range index", []string{"RPCAM0003.jpg", "RPCAM9223372036854775807.jpg", "RPCAM99999999999999999999.jpg"}, "RPCAM0004.jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			touch(t, dir, tt.existing...)
			got, err := NextPath(dir, "RPCAM")
			if err != nil {
				t.Fatalf("NextPath: %v", err)
			}
			if want := filepath.Join(dir, tt.want); got != want {
				t.Errorf("NextPath = %s, want %s", got, want)
			}
		})
	}
}

func TestNextPath_MissingDir(t *testing.T) {
	if _, err := NextPath(filepath.Join(t.TempDir(), "nope"), "RPCAM"); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestNextPath_SequenceFull(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, Name("RPCAM", MaxIndex))
	got, err := NextPath(dir, "RPCAM")
	if !errors.Is(err, ErrSequenceFull) {
		t.Fatalf("NextPath = %q, %v; want ErrSequenceFull", got, err)
	}
}

func TestIndex(t *testing.T) {
	tests := []struct {
		name   string
		n      int
		wantOK bool
	}{
		{"RPCAM0042.jpg", 42, true},
		{"RPCAM0000.jpg", 0, true},
		{"RPCAM-001.jpg", 0, false},
		{"XRPCAM0001.jpg", 0, false},
		{"RPCAM0001.jpeg", 0, false},
		{"RPCAM99999999.jpg", MaxIndex, true},
		{"RPCAM100000000.jpg", 0, false},
	}
	for _, tt := range tests {
		n, ok := Index(tt.name, "RPCAM")
		if ok != tt.wantOK || n != tt.n {
			t.Errorf("Index(%q) = %d,%v want %d,%v", tt.name, n, ok, tt.n, tt.wantOK)
		}
	}
}

func TestStore_SaveSequence(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "photos")
	s, err := New(dir, "RPCAM", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i, want := range []string{"RPCAM0001.jpg", "RPCAM0002.jpg"} {
		path, err := s.Save([]byte{0xff, 0xd8, byte(i), 0xff, 0xd9})
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
		if filepath.Base(path) != want {
			t.Errorf("save %d wrote %s, want %s", i, filepath.Base(path), want)
		}
		data, err := os.ReadFile(path)
		if err != nil || data[2] != byte(i) {
			t.Errorf("content of %s = %v, %v", path, data, err)
		}
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Errorf("dir has %d entries, want 2 (no temp files left)", len(entries))
	}
}

func TestStore_SaveUnwritableDir(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir, "RPCAM", 0)
	s.Dir = filepath.Join(dir, "gone")
	if _, err := s.Save([]byte("x")); err == nil {
		t.Error("expected error writing into a missing directory")
	}
}

func TestStore_CheckSpace(t *testing.T) {
	s := &Store{Dir: "/photos", MinFree: 100 << 20}

	s.freeSpace = func(string) (uint64, error) { return 50 << 20, nil }
	if err := s.CheckSpace(); !errors.Is(err, ErrLowSpace) {
		t.Errorf("50MB free: err = %v, want ErrLowSpace", err)
	}

	s.freeSpace = func(string) (uint64, error) { return 500 << 20, nil }
	if err := s.CheckSpace(); err != nil {
		t.Errorf("500MB free: err = %v", err)
	}

	s.freeSpace = func(string) (uint64, error) { return 0, errors.New("unsupported") }
	if err := s.CheckSpace(); err != nil {
		t.Errorf("unknown free space should not block: %v", err)
	}

	s.MinFree = 0
	s.freeSpace = func(string) (uint64, error) { return 0, nil }
	if err := s.CheckSpace(); err != nil {
		t.Errorf("disabled check: %v", err)
	}
}
