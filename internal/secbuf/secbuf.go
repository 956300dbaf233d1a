// Package secbuf implements the protected buffer that holds the
// in-progress passphrase.
//
// The buffer is backed by memguard locked allocations: the region is
// mlock'd against swap-out, fenced by guard pages, and overwritten with
// zeros before any reallocation, on Clear, and on Destroy. The buffer is
// owned by the main control flow and must never cross a goroutine or
// process boundary; only its contents are written to the credential
// worker, through the single audited Bytes view.
package secbuf

import (
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

// ErrResourceExhausted is returned when a protected allocation fails,
// typically because the RLIMIT_MEMLOCK budget is spent. The buffer can no
// longer be trusted and the process must shut down.
var ErrResourceExhausted = errors.New("secbuf: protected memory allocation failed")

const initialCapacity = 1024

// Buffer is a growable passphrase buffer in locked memory.
// It is not safe for concurrent use; the reactor is single-threaded.
type Buffer struct {
	region *memguard.LockedBuffer
	length int
}

// New allocates a buffer with the default initial capacity.
func New() (*Buffer, error) {
	region, err := alloc(initialCapacity)
	if err != nil {
		return nil, err
	}
	return &Buffer{region: region}, nil
}

// alloc wraps memguard.NewBuffer, which panics when the underlying
// mlock'd allocation fails. The panic is converted to
// ErrResourceExhausted so callers can tear down cleanly.
func alloc(size int) (region *memguard.LockedBuffer, err error) {
	defer func() {
		if r := recover(); r != nil {
			region = nil
			err = fmt.Errorf("%w: %v", ErrResourceExhausted, r)
		}
	}()
	return memguard.NewBuffer(size), nil
}

// Append adds one byte to the buffer, growing the protected region when
// full. Growth allocates a fresh locked region, copies the contents, and
// destroys (wipes) the old one; capacity never shrinks.
func (b *Buffer) Append(c byte) error {
	if b.region == nil {
		return errors.New("secbuf: use after destroy")
	}
	if b.length == b.region.Size() {
		grown, err := alloc(b.region.Size() * 2)
		if err != nil {
			return err
		}
		copy(grown.Bytes(), b.region.Bytes()[:b.length])
		b.region.Destroy()
		b.region = grown
	}
	b.region.Bytes()[b.length] = c
	b.length++
	return nil
}

// RemoveLast drops the final byte and zeroes it immediately.
// No-op on an empty buffer.
func (b *Buffer) RemoveLast() {
	if b.region == nil || b.length == 0 {
		return
	}
	b.length--
	b.region.Bytes()[b.length] = 0
}

// Clear wipes the logical contents and resets the length to zero.
// Capacity is retained for reuse. Idempotent.
func (b *Buffer) Clear() {
	if b.region == nil {
		return
	}
	memguard.WipeBytes(b.region.Bytes()[:b.length])
	b.length = 0
}

// Destroy wipes the full capacity and releases the locked region.
// The buffer is unusable afterwards. Idempotent; it must run on every
// exit path, including failure paths.
func (b *Buffer) Destroy() {
	if b.region == nil {
		return
	}
	b.region.Destroy()
	b.region = nil
	b.length = 0
}

// Len reports the number of passphrase bytes currently held.
func (b *Buffer) Len() int { return b.length }

// Cap reports the capacity of the protected region.
func (b *Buffer) Cap() int {
	if b.region == nil {
		return 0
	}
	return b.region.Size()
}

// Bytes exposes the logical contents of the protected region.
//
// This is the audited access path for the submit write. The returned
// slice aliases locked memory: callers must not retain it, copy it, or
// let it escape the current call frame.
func (b *Buffer) Bytes() []byte {
	if b.region == nil {
		return nil
	}
	return b.region.Bytes()[:b.length]
}
