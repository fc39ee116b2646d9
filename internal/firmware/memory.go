package firmware

import (
	"encoding/binary"
	"fmt"
)

// PageSize is the firmware page size in bytes.
const PageSize = 4096

// MemoryType classifies a physical memory region.
type MemoryType uint32

const (
	ReservedMemoryType MemoryType = iota
	LoaderCode
	LoaderData
	BootServicesCode
	BootServicesData
	RuntimeServicesCode
	RuntimeServicesData
	ConventionalMemory
	UnusableMemory
	ACPIReclaimMemory
	ACPIMemoryNVS
	MemoryMappedIO
	MemoryMappedIOPortSpace
	PalCode
	PersistentMemory
	maxMemoryType
)

var memoryTypeNames = [...]string{
	ReservedMemoryType:      "reserved",
	LoaderCode:              "loader-code",
	LoaderData:              "loader-data",
	BootServicesCode:        "boot-code",
	BootServicesData:        "boot-data",
	RuntimeServicesCode:     "runtime-code",
	RuntimeServicesData:     "runtime-data",
	ConventionalMemory:      "conventional",
	UnusableMemory:          "unusable",
	ACPIReclaimMemory:       "acpi-reclaim",
	ACPIMemoryNVS:           "acpi-nvs",
	MemoryMappedIO:          "mmio",
	MemoryMappedIOPortSpace: "mmio-port",
	PalCode:                 "pal-code",
	PersistentMemory:        "persistent",
}

func (t MemoryType) String() string {
	if t < maxMemoryType {
		return memoryTypeNames[t]
	}
	return fmt.Sprintf("MemoryType(%d)", uint32(t))
}

// ParseMemoryType is the inverse of MemoryType.String.
func ParseMemoryType(s string) (MemoryType, error) {
	for i, name := range memoryTypeNames {
		if name == s {
			return MemoryType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown memory type %q", s)
}

// Usable reports whether the kernel may use the region once boot services
// have been exited.
func (t MemoryType) Usable() bool {
	switch t {
	case LoaderCode, LoaderData, BootServicesCode, BootServicesData, ConventionalMemory:
		return true
	}
	return false
}

// MemoryDescriptorSize is the size of the descriptor fields. Firmware may
// report a larger stride.
const MemoryDescriptorSize = 40

// MemoryDescriptor describes one region of the physical memory map.
type MemoryDescriptor struct {
	Type          MemoryType
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     uint64
}

// PhysicalEnd returns the first address after the region.
func (d MemoryDescriptor) PhysicalEnd() uint64 {
	return d.PhysicalStart + d.NumberOfPages*PageSize
}

// Put writes the descriptor into buf, which must hold MemoryDescriptorSize
// bytes.
func (d MemoryDescriptor) Put(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(d.Type))
	binary.LittleEndian.PutUint32(buf[4:], 0)
	binary.LittleEndian.PutUint64(buf[8:], d.PhysicalStart)
	binary.LittleEndian.PutUint64(buf[16:], d.VirtualStart)
	binary.LittleEndian.PutUint64(buf[24:], d.NumberOfPages)
	binary.LittleEndian.PutUint64(buf[32:], d.Attribute)
}

// DecodeMemoryDescriptor reads a descriptor from the start of buf.
func DecodeMemoryDescriptor(buf []byte) (MemoryDescriptor, error) {
	if len(buf) < MemoryDescriptorSize {
		return MemoryDescriptor{}, fmt.Errorf("memory descriptor truncated: %d bytes", len(buf))
	}
	return MemoryDescriptor{
		Type:          MemoryType(binary.LittleEndian.Uint32(buf[0:])),
		PhysicalStart: binary.LittleEndian.Uint64(buf[8:]),
		VirtualStart:  binary.LittleEndian.Uint64(buf[16:]),
		NumberOfPages: binary.LittleEndian.Uint64(buf[24:]),
		Attribute:     binary.LittleEndian.Uint64(buf[32:]),
	}, nil
}

// MemoryMapInfo accompanies a memory map query.
type MemoryMapInfo struct {
	// Size is the number of bytes written, or required when the buffer was
	// too small.
	Size              int
	MapKey            uint64
	DescriptorSize    int
	DescriptorVersion uint32
}

// MemoryDescriptorVersion is the descriptor format version this loader
// understands.
const MemoryDescriptorVersion = 1
