package firmware

import (
	"errors"
	"fmt"
)

// ErrUnexpectedStatus reports a firmware query that did not follow the
// size-then-fetch protocol.
var ErrUnexpectedStatus = errors.New("firmware: unexpected status")

// SizedQuery is one call of a size-then-fetch query. It fills buf and
// returns the number of bytes used. If buf is too small it returns the
// required size and StatusBufferTooSmall.
type SizedQuery func(buf []byte) (int, error)

// Allocator provides the fetch buffer of a two-phase query.
type Allocator func(size int) ([]byte, error)

// HeapAllocator allocates fetch buffers owned by the caller.
func HeapAllocator(size int) ([]byte, error) {
	return make([]byte, size), nil
}

// PoolAllocator allocates fetch buffers from firmware pool memory owned by
// scope.
func PoolAllocator(scope *Scope, memoryType MemoryType) Allocator {
	return func(size int) ([]byte, error) {
		pool, err := scope.AllocatePool(memoryType, size)
		if err != nil {
			return nil, err
		}
		return pool.Bytes, nil
	}
}

// TwoPhase runs a size-then-fetch query.
//
// The sizing call hands query a buffer of hint bytes (nil when hint is
// zero). StatusBufferTooSmall is the expected answer and carries the
// required size. A pre-sized first call may succeed outright, in which case
// its buffer is the result. An empty first call that succeeds, and any other
// status in either phase, is an error.
//
// The fetch phase allocates exactly the required size and repeats the query.
func TwoPhase(query SizedQuery, hint int, alloc Allocator) ([]byte, error) {
	var first []byte
	if hint > 0 {
		var err error
		if first, err = alloc(hint); err != nil {
			return nil, fmt.Errorf("allocate first buffer of %d bytes: %w", hint, err)
		}
	}

	size, err := query(first)
	switch {
	case err == nil && first != nil:
		if size > len(first) {
			return nil, fmt.Errorf("query reported %d bytes in a %d byte buffer: %w", size, len(first), ErrUnexpectedStatus)
		}
		return first[:size], nil
	case err == nil:
		return nil, fmt.Errorf("sizing call succeeded without a buffer: %w", ErrUnexpectedStatus)
	case !errors.Is(err, StatusBufferTooSmall):
		return nil, fmt.Errorf("sizing call: %w", err)
	}

	if size <= len(first) {
		return nil, fmt.Errorf("sizing call asked for %d bytes with %d available: %w", size, len(first), ErrUnexpectedStatus)
	}

	buf, err := alloc(size)
	if err != nil {
		return nil, fmt.Errorf("allocate %d byte buffer: %w", size, err)
	}

	n, err := query(buf)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if n > len(buf) {
		return nil, fmt.Errorf("query reported %d bytes in a %d byte buffer: %w", n, len(buf), ErrUnexpectedStatus)
	}
	return buf[:n], nil
}
