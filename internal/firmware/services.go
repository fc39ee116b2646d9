// Package firmware describes the boot-time firmware services the loader talks
// to: handle enumeration, protocol access, pool memory, the physical memory
// map and the one-way exit from boot services.
//
// Nothing in this package is global. Every component receives the services it
// needs as explicit values, so a simulated firmware can stand in for the real
// one.
package firmware

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrServicesExited is returned by any boot service called after
	// ExitBootServices succeeded.
	ErrServicesExited = errors.New("firmware: boot services have been exited")

	// ErrUnexpectedProtocol is returned when a handle yields an interface of
	// the wrong type for the requested protocol.
	ErrUnexpectedProtocol = errors.New("firmware: unexpected protocol interface")
)

type Handle uint64

// Pool is a block of firmware pool memory. Bytes aliases the physical memory
// at Address.
type Pool struct {
	Address uint64
	Bytes   []byte
}

// Valid reports whether p refers to an allocation.
func (p Pool) Valid() bool {
	return p.Address != 0
}

// HandleBuffer is the result of a handle search. The backing pool must be
// released with FreePool once the handles are no longer needed.
type HandleBuffer struct {
	Handles []Handle
	Pool    Pool
}

// BootServices is the subset of the firmware boot services used before the
// kernel takes over.
type BootServices interface {
	LocateHandleBuffer(protocol GUID) (HandleBuffer, error)
	OpenProtocol(handle Handle, protocol GUID) (any, error)
	CloseProtocol(handle Handle, protocol GUID) error

	AllocatePool(memoryType MemoryType, size int) (Pool, error)
	FreePool(pool Pool) error

	// GetMemoryMap fills buf with memory descriptors. If buf is too small
	// the returned info carries the required size alongside
	// StatusBufferTooSmall.
	GetMemoryMap(buf []byte) (MemoryMapInfo, error)

	// ExitBootServices hands the machine over to the caller. mapKey must be
	// the key of the most recent memory map. After success no other boot
	// service may be used.
	ExitBootServices(mapKey uint64) error
}

// Attribute is a console text attribute.
type Attribute uint8

const (
	AttributeDefault Attribute = iota
	AttributeInfo
	AttributeSuccess
	AttributeWarning
	AttributeError
)

// Console is the firmware text console.
type Console interface {
	SetAttribute(attr Attribute) error
	OutputString(s string) error
	// WaitForKey blocks until a key is pressed.
	WaitForKey(ctx context.Context) error
}

// PhysicalMemory addresses the machine's physical address space. Offsets are
// physical addresses.
type PhysicalMemory interface {
	io.ReaderAt
	io.WriterAt
}

// EntryTransfer jumps to a loaded kernel. Transfer does not return on real
// hardware; an implementation that returns signals that the kernel gave
// control back.
type EntryTransfer interface {
	Transfer(entry uint64, arg uint64) error
}

// Services bundles everything a boot stage needs from its environment.
type Services struct {
	Boot    BootServices
	Console Console
	Memory  PhysicalMemory
	Entry   EntryTransfer
}

// Validate reports the first missing service.
func (s Services) Validate() error {
	switch {
	case s.Boot == nil:
		return errors.New("firmware: boot services missing")
	case s.Console == nil:
		return errors.New("firmware: console missing")
	case s.Memory == nil:
		return errors.New("firmware: physical memory missing")
	case s.Entry == nil:
		return errors.New("firmware: entry transfer missing")
	}
	return nil
}
