// Package elftest builds small 64-bit ELF executables for tests and for
// demonstration kernels.
package elftest

import (
	"encoding/binary"

	"github.com/tinyrange/kboot/internal/elf64"
)

const (
	typeExec     = 2
	machineAMD64 = 62
	shtStrtab    = 3
)

// Segment is one program header of the image being built.
type Segment struct {
	Type  elf64.ProgramType
	Flags uint32
	VAddr uint64
	PAddr uint64
	Data  []byte
	// MemSize defaults to len(Data).
	MemSize uint64
	Align   uint64
}

// Image describes an executable to build.
type Image struct {
	Entry    uint64
	Segments []Segment
}

func alignUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}

// Build lays out the image as header, program headers, segment data, a
// section name table and a two-entry section header table.
func (im Image) Build() []byte {
	le := binary.LittleEndian

	phOff := elf64.HeaderSize
	off := phOff + len(im.Segments)*elf64.ProgramHeaderSize

	offsets := make([]int, len(im.Segments))
	for i, seg := range im.Segments {
		off = alignUp(off, 16)
		offsets[i] = off
		off += len(seg.Data)
	}

	shstrtab := []byte("\x00.shstrtab\x00")
	strOff := off
	off += len(shstrtab)
	shOff := alignUp(off, 8)
	total := shOff + 2*elf64.SectionHeaderSize

	buf := make([]byte, total)
	copy(buf[0:4], elf64.Magic[:])
	buf[4] = elf64.Class64
	buf[5] = 1 // little endian
	buf[6] = 1 // current version
	le.PutUint16(buf[16:], typeExec)
	le.PutUint16(buf[18:], machineAMD64)
	le.PutUint32(buf[20:], 1)
	le.PutUint64(buf[24:], im.Entry)
	le.PutUint64(buf[32:], uint64(phOff))
	le.PutUint64(buf[40:], uint64(shOff))
	le.PutUint16(buf[52:], elf64.HeaderSize)
	le.PutUint16(buf[54:], elf64.ProgramHeaderSize)
	le.PutUint16(buf[56:], uint16(len(im.Segments)))
	le.PutUint16(buf[58:], elf64.SectionHeaderSize)
	le.PutUint16(buf[60:], 2)
	le.PutUint16(buf[62:], 1)

	for i, seg := range im.Segments {
		memSize := seg.MemSize
		if memSize == 0 {
			memSize = uint64(len(seg.Data))
		}
		ph := buf[phOff+i*elf64.ProgramHeaderSize:]
		le.PutUint32(ph[0:], uint32(seg.Type))
		le.PutUint32(ph[4:], seg.Flags)
		le.PutUint64(ph[8:], uint64(offsets[i]))
		le.PutUint64(ph[16:], seg.VAddr)
		le.PutUint64(ph[24:], seg.PAddr)
		le.PutUint64(ph[32:], uint64(len(seg.Data)))
		le.PutUint64(ph[40:], memSize)
		le.PutUint64(ph[48:], seg.Align)
		copy(buf[offsets[i]:], seg.Data)
	}

	copy(buf[strOff:], shstrtab)
	sh := buf[shOff+elf64.SectionHeaderSize:]
	le.PutUint32(sh[0:], 1) // ".shstrtab"
	le.PutUint32(sh[4:], shtStrtab)
	le.PutUint64(sh[24:], uint64(strOff))
	le.PutUint64(sh[32:], uint64(len(shstrtab)))
	le.PutUint64(sh[48:], 1)

	return buf
}

// Kernel returns a two-segment image: a loadable segment at phys carrying
// code followed by bssSize zero bytes, and a note segment that loaders
// ignore.
func Kernel(phys uint64, code []byte, bssSize uint64) []byte {
	return Image{
		Entry: phys,
		Segments: []Segment{
			{
				Type:    elf64.ProgramLoad,
				Flags:   0x5, // R+X
				VAddr:   phys,
				PAddr:   phys,
				Data:    code,
				MemSize: uint64(len(code)) + bssSize,
				Align:   0x1000,
			},
			{
				Type: elf64.ProgramNote,
				Data: []byte("kboot\x00\x00\x00"),
			},
		},
	}.Build()
}
