// Package framebuf holds the most recent preview frame.
//
// The buffer is double-buffered: writers fill a private back buffer and
// swap it in under the lock, readers copy the front buffer under a read
// lock. A reader therefore never observes a partially written frame.
package framebuf

import (
	"errors"
	"fmt"
	"sync"
)

// ErrSize is returned when a frame does not match the buffer size.
var ErrSize = errors.New("framebuf: frame size mismatch")

// Buffer is a fixed-size frame store shared between one writer (the
// preview loop) and any number of readers.
type Buffer struct {
	width, height, bpp int

	wmu  sync.Mutex // serialises writers around back
	back []byte

	mu    sync.RWMutex
	front []byte
	seq   uint64
}

// New allocates a buffer for width x height pixels of bpp bytes each.
func New(width, height, bpp int) *Buffer {
	size := width * height * bpp
	return &Buffer{
		width:  width,
		height: height,
		bpp:    bpp,
		back:   make([]byte, size),
		front:  make([]byte, size),
	}
}

// Size returns the frame length in bytes.
func (b *Buffer) Size() int { return b.width * b.height * b.bpp }

// Dimensions returns the frame geometry.
func (b *Buffer) Dimensions() (width, height int) { return b.width, b.height }

// Write publishes a complete frame. The data is copied.
func (b *Buffer) Write(frame []byte) error {
	if len(frame) != b.Size() {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrSize, len(frame), b.Size())
	}
	b.wmu.Lock()
	defer b.wmu.Unlock()

	copy(b.back, frame)

	b.mu.Lock()
	b.front, b.back = b.back, b.front
	b.seq++
	b.mu.Unlock()
	return nil
}

// Read copies the current frame into dst (reallocated if too small) and
// returns it with its sequence number. Sequence 0 means nothing has been
// published yet.
func (b *Buffer) Read(dst []byte) ([]byte, uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if cap(dst) < len(b.front) {
		dst = make([]byte, len(b.front))
	}
	dst = dst[:len(b.front)]
	copy(dst, b.front)
	return dst, b.seq
}

// View calls fn with the current frame while holding the read lock.
// fn must not retain the slice.
func (b *Buffer) View(fn func(frame []byte, seq uint64)) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fn(b.front, b.seq)
}

// Seq returns the sequence number of the current frame.
func (b *Buffer) Seq() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}
