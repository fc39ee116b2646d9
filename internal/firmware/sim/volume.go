package sim

import (
	"io"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tinyrange/kboot/internal/firmware"
)

// readChunk is the size of each copy reported to a volume's Progress writer.
const readChunk = 32 * 1024

// Volume is a simulated FAT-style volume. Paths are case-insensitive and use
// backslash separators.
type Volume struct {
	Label string
	Files map[string][]byte

	// Progress, if set, receives every byte read from the volume.
	Progress io.Writer
	// OpenErr, if set, is returned when opening any file.
	OpenErr error
	// ModTime is reported for every file.
	ModTime time.Time

	fw        *Firmware
	openFiles atomic.Int64
}

var _ firmware.SimpleFileSystem = (*Volume)(nil)

// CleanPath normalises a volume path to the form used as a Files key.
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	return strings.ToLower(p)
}

func (v *Volume) lookup(p string) ([]byte, string, bool) {
	want := CleanPath(p)
	for name, data := range v.Files {
		if CleanPath(name) == want {
			return data, path.Base(strings.ReplaceAll(name, `\`, "/")), true
		}
	}
	return nil, "", false
}

func (v *Volume) OpenVolume() (firmware.File, error) {
	if v.fw != nil && v.fw.exitedNow() {
		return nil, firmware.ErrServicesExited
	}
	v.openFiles.Add(1)
	return &root{vol: v}, nil
}

type root struct {
	vol    *Volume
	closed bool
}

func (r *root) Open(p string, mode firmware.FileMode, _ firmware.FileAttribute) (firmware.File, error) {
	if r.closed {
		return nil, firmware.StatusInvalidParameter
	}
	if mode&(firmware.FileModeWrite|firmware.FileModeCreate) != 0 {
		return nil, firmware.StatusWriteProtected
	}
	if r.vol.OpenErr != nil {
		return nil, r.vol.OpenErr
	}
	data, name, ok := r.vol.lookup(p)
	if !ok {
		return nil, firmware.StatusNotFound
	}
	r.vol.openFiles.Add(1)
	return &file{vol: r.vol, name: name, data: data}, nil
}

func (r *root) GetInfo(infoType firmware.GUID, buf []byte) (int, error) {
	return getInfo(infoType, buf, &firmware.FileInfo{
		Attribute:        firmware.FileDirectory,
		ModificationTime: firmware.TimeOf(r.vol.ModTime),
	})
}

func (r *root) Read([]byte) (int, error) {
	return 0, firmware.StatusUnsupported
}

func (r *root) Close() error {
	if r.closed {
		return firmware.StatusInvalidParameter
	}
	r.closed = true
	r.vol.openFiles.Add(-1)
	return nil
}

type file struct {
	vol    *Volume
	name   string
	data   []byte
	pos    int
	closed bool
}

func (f *file) Open(string, firmware.FileMode, firmware.FileAttribute) (firmware.File, error) {
	return nil, firmware.StatusNotFound
}

func (f *file) GetInfo(infoType firmware.GUID, buf []byte) (int, error) {
	if f.closed {
		return 0, firmware.StatusInvalidParameter
	}
	t := firmware.TimeOf(f.vol.ModTime)
	return getInfo(infoType, buf, &firmware.FileInfo{
		FileSize:         uint64(len(f.data)),
		PhysicalSize:     uint64(len(f.data)+511) &^ 511,
		CreateTime:       t,
		LastAccessTime:   t,
		ModificationTime: t,
		Attribute:        firmware.FileArchive,
		FileName:         f.name,
	})
}

// Read copies from the current position. At end of file it returns zero
// bytes and no error.
func (f *file) Read(buf []byte) (int, error) {
	if f.closed {
		return 0, firmware.StatusInvalidParameter
	}
	if f.vol.fw != nil && f.vol.fw.exitedNow() {
		return 0, firmware.ErrServicesExited
	}
	n := 0
	for n < len(buf) && f.pos < len(f.data) {
		c := copy(buf[n:min(len(buf), n+readChunk)], f.data[f.pos:])
		if f.vol.Progress != nil {
			_, _ = f.vol.Progress.Write(buf[n : n+c])
		}
		n += c
		f.pos += c
	}
	return n, nil
}

func (f *file) Close() error {
	if f.closed {
		return firmware.StatusInvalidParameter
	}
	f.closed = true
	f.vol.openFiles.Add(-1)
	return nil
}

func getInfo(infoType firmware.GUID, buf []byte, fi *firmware.FileInfo) (int, error) {
	if infoType != firmware.FileInfoGUID {
		return 0, firmware.StatusUnsupported
	}
	raw, err := fi.MarshalBinary()
	if err != nil {
		return 0, firmware.StatusDeviceError
	}
	if len(buf) < len(raw) {
		return len(raw), firmware.StatusBufferTooSmall
	}
	return copy(buf, raw), nil
}
