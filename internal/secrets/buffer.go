package secrets

import (
	"fmt"
	"sync"
)

// Buffer holds one secret. When the platform allows it the bytes live in an
// mmap region outside the Go heap that is locked against swap and excluded
// from core dumps; otherwise they live in an ordinary heap slice. Close
// zeroes the bytes in both cases.
//
// String after Close returns "" so that a request still in flight after the
// owning execution ended fails authentication instead of panicking.
type Buffer struct {
	mu        sync.Mutex
	data      []byte
	protected bool
	closed    bool
}

// NewBuffer copies source into a new Buffer and zeroes source.
func NewBuffer(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secrets: empty secret")
	}
	data, protected := allocate(len(source))
	copy(data, source)
	clear(source)
	return &Buffer{data: data, protected: protected}, nil
}

// String returns a heap copy of the secret, or "" once closed.
func (b *Buffer) String() string {
	if b == nil {
		return ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ""
	}
	return string(b.data)
}

// Protected reports whether the secret is held outside the Go heap.
func (b *Buffer) Protected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.protected
}

// Closed reports whether Close has run.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close zeroes and releases the secret. It is idempotent and safe on nil.
func (b *Buffer) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	clear(b.data)
	var err error
	if b.protected {
		err = release(b.data)
	}
	b.data = nil
	return err
}
