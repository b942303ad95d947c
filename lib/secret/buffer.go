// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds decrypted access-key material for the lifetime of
// one task. A Buffer lives in an anonymous mmap region outside the Go
// heap, excluded from core dumps, locked against swap where the
// RLIMIT_MEMLOCK budget allows, and zeroed on Close.
//
// Files written from a Buffer are removed with Shred, which overwrites
// the contents with zeros before unlinking.
package secret

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer is a fixed-size region of protected memory. Reads after Close
// panic. A Buffer must not be copied.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	locked bool
	closed bool
}

// New allocates a zero-filled buffer of size bytes.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap: %w", err)
	}

	// Containers commonly run with a small memlock limit. An unlocked
	// region is still outside the heap and still zeroed on Close.
	locked := true
	if err := unix.Mlock(data); err != nil {
		if !errors.Is(err, unix.EPERM) && !errors.Is(err, unix.ENOMEM) && !errors.Is(err, unix.EAGAIN) {
			unix.Munmap(data)
			return nil, fmt.Errorf("secret: mlock: %w", err)
		}
		locked = false
	}
	// MADV_DONTDUMP is unsupported on some kernels; swap protection
	// still holds without it.
	_ = unix.Madvise(data, unix.MADV_DONTDUMP)

	return &Buffer{data: data, locked: locked}, nil
}

// NewFromBytes copies source into a new Buffer and zeroes source.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, errors.New("secret: empty source")
	}
	buffer, err := New(len(source))
	if err != nil {
		Zero(source)
		return nil, err
	}
	copy(buffer.data, source)
	Zero(source)
	return buffer, nil
}

// NewFromString is NewFromBytes for values that arrive as strings. The
// string itself stays on the heap until collected.
func NewFromString(source string) (*Buffer, error) {
	return NewFromBytes([]byte(source))
}

// Bytes returns the protected region. The slice is invalid after Close.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.data
}

// String returns a heap copy. Use only at API boundaries that require
// a string (ssh key parsers, HTTP headers).
func (b *Buffer) String() string {
	return string(b.Bytes())
}

// Len returns the size of the region, or zero after Close.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Locked reports whether the region is pinned in RAM.
func (b *Buffer) Locked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locked
}

// Close zeroes and unmaps the region. It is idempotent and safe on a
// nil Buffer.
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
	Zero(b.data)

	var firstErr error
	if b.locked {
		if err := unix.Munlock(b.data); err != nil {
			firstErr = fmt.Errorf("secret: munlock: %w", err)
		}
	}
	if err := unix.Munmap(b.data); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("secret: munmap: %w", err)
	}
	b.data = nil
	return firstErr
}

// Zero overwrites data with zeros.
func Zero(data []byte) {
	clear(data)
}
