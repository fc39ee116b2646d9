package sim

import (
	"fmt"
	"os"
)

// Arena is the simulated physical address space: one contiguous block of
// host memory starting at a physical base address.
type Arena struct {
	base uint64
	mem  []byte
}

// NewArena maps size bytes of zeroed memory at physical address base.
func NewArena(base, size uint64) (*Arena, error) {
	if size == 0 || base+size < base {
		return nil, fmt.Errorf("invalid physical range %#x+%#x", base, size)
	}
	mem, err := mapMemory(int(size))
	if err != nil {
		return nil, fmt.Errorf("map %d bytes of physical memory: %w", size, err)
	}
	return &Arena{base: base, mem: mem}, nil
}

func (a *Arena) Base() uint64 { return a.base }
func (a *Arena) Size() uint64 { return uint64(len(a.mem)) }
func (a *Arena) End() uint64  { return a.base + uint64(len(a.mem)) }

// Contains reports whether [addr, addr+n) is backed.
func (a *Arena) Contains(addr, n uint64) bool {
	return addr >= a.base && addr+n >= addr && addr+n <= a.End()
}

// Slice returns the host bytes backing [addr, addr+n).
func (a *Arena) Slice(addr, n uint64) ([]byte, error) {
	if !a.Contains(addr, n) {
		return nil, fmt.Errorf("physical range %#x+%#x outside %#x-%#x: %w", addr, n, a.base, a.End(), os.ErrInvalid)
	}
	off := addr - a.base
	return a.mem[off : off+n : off+n], nil
}

func (a *Arena) ReadAt(p []byte, off int64) (int, error) {
	b, err := a.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}

func (a *Arena) WriteAt(p []byte, off int64) (int, error) {
	b, err := a.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(b, p), nil
}

// Close releases the host memory.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	err := unmapMemory(a.mem)
	a.mem = nil
	return err
}
