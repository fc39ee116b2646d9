// Package elf64 reads 64-bit ELF executables directly from a byte slice.
//
// Every table lookup is checked against the length of the slice, so a
// malformed image surfaces as an error rather than a stray read.
package elf64

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HeaderSize        = 64
	ProgramHeaderSize = 56
	SectionHeaderSize = 64
)

// Magic is the four-byte signature at the start of every ELF image.
var Magic = [4]byte{0x7f, 'E', 'L', 'F'}

const (
	ClassNone uint8 = 0
	Class32   uint8 = 1
	Class64   uint8 = 2
)

var (
	// ErrInvalidImage is returned for images that fail signature or class
	// validation.
	ErrInvalidImage = errors.New("elf64: invalid image")

	// ErrOutOfRange is returned for lookups that fall outside the image.
	ErrOutOfRange = errors.New("elf64: out of range")
)

// ProgramType is the type tag of a program header.
type ProgramType uint32

const (
	ProgramNull    ProgramType = 0
	ProgramLoad    ProgramType = 1
	ProgramDynamic ProgramType = 2
	ProgramInterp  ProgramType = 3
	ProgramNote    ProgramType = 4
	ProgramShlib   ProgramType = 5
	ProgramPhdr    ProgramType = 6
	ProgramTLS     ProgramType = 7
)

func (t ProgramType) String() string {
	switch t {
	case ProgramNull:
		return "NULL"
	case ProgramLoad:
		return "LOAD"
	case ProgramDynamic:
		return "DYNAMIC"
	case ProgramInterp:
		return "INTERP"
	case ProgramNote:
		return "NOTE"
	case ProgramShlib:
		return "SHLIB"
	case ProgramPhdr:
		return "PHDR"
	case ProgramTLS:
		return "TLS"
	default:
		return fmt.Sprintf("ProgramType(%#x)", uint32(t))
	}
}

// Ident is the identification block at the start of the header.
type Ident struct {
	Magic      [4]byte
	Class      uint8
	Data       uint8
	Version    uint8
	OSABI      uint8
	ABIVersion uint8
}

// Header is the ELF file header.
type Header struct {
	Ident     Ident
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	PhOff     uint64
	ShOff     uint64
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrNdx  uint16
}

// Valid reports whether the header carries the ELF signature and the 64-bit
// class tag. No other field is checked: a valid header is well formed enough
// to index, not necessarily safe to execute.
func (h Header) Valid() bool {
	return h.Ident.Magic == Magic && h.Ident.Class == Class64
}

// ProgramHeader describes one segment.
type ProgramHeader struct {
	Type     ProgramType
	Flags    uint32
	Offset   uint64
	VAddr    uint64
	PAddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

// SectionHeader describes one section.
type SectionHeader struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

// ParseHeader decodes the file header at the start of buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("header needs %d bytes, image has %d: %w", HeaderSize, len(buf), ErrOutOfRange)
	}
	le := binary.LittleEndian
	var h Header
	copy(h.Ident.Magic[:], buf[0:4])
	h.Ident.Class = buf[4]
	h.Ident.Data = buf[5]
	h.Ident.Version = buf[6]
	h.Ident.OSABI = buf[7]
	h.Ident.ABIVersion = buf[8]
	h.Type = le.Uint16(buf[16:])
	h.Machine = le.Uint16(buf[18:])
	h.Version = le.Uint32(buf[20:])
	h.Entry = le.Uint64(buf[24:])
	h.PhOff = le.Uint64(buf[32:])
	h.ShOff = le.Uint64(buf[40:])
	h.Flags = le.Uint32(buf[48:])
	h.EhSize = le.Uint16(buf[52:])
	h.PhEntSize = le.Uint16(buf[54:])
	h.PhNum = le.Uint16(buf[56:])
	h.ShEntSize = le.Uint16(buf[58:])
	h.ShNum = le.Uint16(buf[60:])
	h.ShStrNdx = le.Uint16(buf[62:])
	return h, nil
}

// Validate reports whether buf starts with a valid 64-bit ELF header.
func Validate(buf []byte) bool {
	h, err := ParseHeader(buf)
	return err == nil && h.Valid()
}

func decodeProgramHeader(b []byte) ProgramHeader {
	le := binary.LittleEndian
	return ProgramHeader{
		Type:     ProgramType(le.Uint32(b[0:])),
		Flags:    le.Uint32(b[4:]),
		Offset:   le.Uint64(b[8:]),
		VAddr:    le.Uint64(b[16:]),
		PAddr:    le.Uint64(b[24:]),
		FileSize: le.Uint64(b[32:]),
		MemSize:  le.Uint64(b[40:]),
		Align:    le.Uint64(b[48:]),
	}
}

func decodeSectionHeader(b []byte) SectionHeader {
	le := binary.LittleEndian
	return SectionHeader{
		Name:      le.Uint32(b[0:]),
		Type:      le.Uint32(b[4:]),
		Flags:     le.Uint64(b[8:]),
		Addr:      le.Uint64(b[16:]),
		Offset:    le.Uint64(b[24:]),
		Size:      le.Uint64(b[32:]),
		Link:      le.Uint32(b[40:]),
		Info:      le.Uint32(b[44:]),
		AddrAlign: le.Uint64(b[48:]),
		EntSize:   le.Uint64(b[56:]),
	}
}
