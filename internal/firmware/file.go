package firmware

import (
	"encoding/binary"
	"fmt"
	"time"
	"unicode/utf16"
)

// FileMode is the open mode of a file.
type FileMode uint64

const (
	FileModeRead   FileMode = 0x0000000000000001
	FileModeWrite  FileMode = 0x0000000000000002
	FileModeCreate FileMode = 0x8000000000000000
)

// FileAttribute holds file attribute bits.
type FileAttribute uint64

const (
	FileReadOnly  FileAttribute = 0x01
	FileHidden    FileAttribute = 0x02
	FileSystem    FileAttribute = 0x04
	FileReserved  FileAttribute = 0x08
	FileDirectory FileAttribute = 0x10
	FileArchive   FileAttribute = 0x20
)

// File is an open file or directory on a simple file system volume.
type File interface {
	Open(path string, mode FileMode, attrs FileAttribute) (File, error)
	// GetInfo writes information of the given type into buf. When buf is
	// too small it returns the required size and StatusBufferTooSmall.
	GetInfo(infoType GUID, buf []byte) (int, error)
	Read(buf []byte) (int, error)
	Close() error
}

// SimpleFileSystem is the simple file system protocol.
type SimpleFileSystem interface {
	OpenVolume() (File, error)
}

// OpenSimpleFileSystem opens the simple file system protocol on handle.
func OpenSimpleFileSystem(bs BootServices, handle Handle) (SimpleFileSystem, error) {
	iface, err := bs.OpenProtocol(handle, SimpleFileSystemProtocolGUID)
	if err != nil {
		return nil, err
	}
	sfs, ok := iface.(SimpleFileSystem)
	if !ok {
		_ = bs.CloseProtocol(handle, SimpleFileSystemProtocolGUID)
		return nil, fmt.Errorf("simple file system on handle %#x: %w", uint64(handle), ErrUnexpectedProtocol)
	}
	return sfs, nil
}

// Time is the firmware time record.
type Time struct {
	Year       uint16
	Month      uint8
	Day        uint8
	Hour       uint8
	Minute     uint8
	Second     uint8
	_          uint8
	Nanosecond uint32
	TimeZone   int16
	Daylight   uint8
	_          uint8
}

// TimeOf converts t to a firmware time in UTC.
func TimeOf(t time.Time) Time {
	t = t.UTC()
	return Time{
		Year:       uint16(t.Year()),
		Month:      uint8(t.Month()),
		Day:        uint8(t.Day()),
		Hour:       uint8(t.Hour()),
		Minute:     uint8(t.Minute()),
		Second:     uint8(t.Second()),
		Nanosecond: uint32(t.Nanosecond()),
	}
}

// fileInfoFixedSize covers Size, FileSize, PhysicalSize, three times and
// Attribute. The NUL-terminated UCS-2 file name follows.
const fileInfoFixedSize = 8 + 8 + 8 + 3*16 + 8

// FileInfo is the generic file information record.
type FileInfo struct {
	FileSize         uint64
	PhysicalSize     uint64
	CreateTime       Time
	LastAccessTime   Time
	ModificationTime Time
	Attribute        FileAttribute
	FileName         string
}

// EncodedSize is the number of bytes MarshalBinary produces.
func (fi *FileInfo) EncodedSize() int {
	return fileInfoFixedSize + 2*(len(utf16.Encode([]rune(fi.FileName)))+1)
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (fi *FileInfo) MarshalBinary() ([]byte, error) {
	size := fi.EncodedSize()
	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf[0:], uint64(size))
	binary.LittleEndian.PutUint64(buf[8:], fi.FileSize)
	binary.LittleEndian.PutUint64(buf[16:], fi.PhysicalSize)
	off := 24
	for _, t := range []Time{fi.CreateTime, fi.LastAccessTime, fi.ModificationTime} {
		if _, err := binary.Encode(buf[off:off+16], binary.LittleEndian, t); err != nil {
			return nil, fmt.Errorf("encode file time: %w", err)
		}
		off += 16
	}
	binary.LittleEndian.PutUint64(buf[off:], uint64(fi.Attribute))
	off += 8
	for _, u := range utf16.Encode([]rune(fi.FileName)) {
		binary.LittleEndian.PutUint16(buf[off:], u)
		off += 2
	}
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (fi *FileInfo) UnmarshalBinary(data []byte) error {
	if len(data) < fileInfoFixedSize {
		return fmt.Errorf("file info truncated: %d bytes", len(data))
	}
	size := binary.LittleEndian.Uint64(data[0:])
	if size < fileInfoFixedSize || size > uint64(len(data)) {
		return fmt.Errorf("file info size %d outside buffer of %d bytes", size, len(data))
	}
	fi.FileSize = binary.LittleEndian.Uint64(data[8:])
	fi.PhysicalSize = binary.LittleEndian.Uint64(data[16:])
	off := 24
	for _, t := range []*Time{&fi.CreateTime, &fi.LastAccessTime, &fi.ModificationTime} {
		if _, err := binary.Decode(data[off:off+16], binary.LittleEndian, t); err != nil {
			return fmt.Errorf("decode file time: %w", err)
		}
		off += 16
	}
	fi.Attribute = FileAttribute(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	var name []uint16
	for ; off+2 <= int(size); off += 2 {
		u := binary.LittleEndian.Uint16(data[off:])
		if u == 0 {
			break
		}
		name = append(name, u)
	}
	fi.FileName = string(utf16.Decode(name))
	return nil
}
