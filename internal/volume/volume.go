// Package volume finds and reads a file from the firmware's file system
// volumes.
package volume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/kboot/internal/firmware"
)

// ErrKernelNotFound is returned when no volume holds the requested file.
var ErrKernelNotFound = errors.New("volume: kernel file not found")

var errNotOnVolume = errors.New("file not on volume")

// openAttributes are the attributes the kernel file is opened with.
const openAttributes = firmware.FileReadOnly | firmware.FileHidden | firmware.FileSystem

// File is a file read into firmware pool memory. The caller owns Pool and
// must free it.
type File struct {
	Handle firmware.Handle
	Info   firmware.FileInfo
	Pool   firmware.Pool
}

// Bytes returns the file contents.
func (f *File) Bytes() []byte {
	return f.Pool.Bytes[:f.Info.FileSize]
}

// Reader reads files from the first volume that has them.
type Reader struct {
	Boot   firmware.BootServices
	Logger *slog.Logger

	// InfoHint is the size of the first file information query. Zero asks
	// for the size without a buffer.
	InfoHint int
}

func (r *Reader) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// ReadFile searches the file system handles in firmware order and reads path
// from the first volume where it opens. A volume without the file is
// skipped; any other failure ends the search.
func (r *Reader) ReadFile(ctx context.Context, path string) (f *File, err error) {
	scope := firmware.NewScope(r.Boot)
	defer func() {
		if cerr := scope.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil && f != nil {
			_ = r.Boot.FreePool(f.Pool)
			f = nil
		}
	}()

	handles, err := scope.LocateHandleBuffer(firmware.SimpleFileSystemProtocolGUID)
	if errors.Is(err, firmware.StatusNotFound) {
		return nil, fmt.Errorf("no file system volumes: %w", ErrKernelNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("locate file system volumes: %w", err)
	}

	for _, h := range handles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		file, err := r.open(scope, h, path)
		if errors.Is(err, errNotOnVolume) {
			r.logger().Debug("file not on volume", "handle", fmt.Sprintf("%#x", uint64(h)), "path", path)
			continue
		}
		if err != nil {
			return nil, err
		}
		return r.read(scope, h, file, path)
	}
	return nil, fmt.Errorf("%s on %d volumes: %w", path, len(handles), ErrKernelNotFound)
}

// open opens path on the volume behind h. On success the protocol and the
// file are closed when scope closes; on failure they are closed before open
// returns.
func (r *Reader) open(scope *firmware.Scope, h firmware.Handle, path string) (firmware.File, error) {
	handleScope := firmware.NewScope(r.Boot)

	sfs, err := firmware.OpenSimpleFileSystem(r.Boot, h)
	if err != nil {
		return nil, fmt.Errorf("open file system on handle %#x: %w", uint64(h), err)
	}
	handleScope.CloseProtocolOnExit(h, firmware.SimpleFileSystemProtocolGUID)

	root, err := sfs.OpenVolume()
	if err != nil {
		_ = handleScope.Close()
		return nil, fmt.Errorf("open volume on handle %#x: %w", uint64(h), err)
	}
	file, err := root.Open(path, firmware.FileModeRead, openAttributes)
	_ = root.Close()
	if err != nil {
		_ = handleScope.Close()
		if errors.Is(err, firmware.StatusNotFound) {
			return nil, errNotOnVolume
		}
		return nil, fmt.Errorf("open %s on handle %#x: %w", path, uint64(h), err)
	}
	handleScope.CloseFileOnExit(file)

	scope.Defer(handleScope.Close)
	return file, nil
}

func (r *Reader) read(scope *firmware.Scope, h firmware.Handle, file firmware.File, path string) (*File, error) {
	raw, err := firmware.TwoPhase(func(buf []byte) (int, error) {
		return file.GetInfo(firmware.FileInfoGUID, buf)
	}, r.InfoHint, firmware.PoolAllocator(scope, firmware.LoaderData))
	if err != nil {
		return nil, fmt.Errorf("get info of %s: %w", path, err)
	}
	f := &File{Handle: h}
	if err := f.Info.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("decode info of %s: %w", path, err)
	}
	if f.Info.FileSize == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}

	f.Pool, err = r.Boot.AllocatePool(firmware.LoaderData, int(f.Info.FileSize))
	if err != nil {
		return nil, fmt.Errorf("allocate %d bytes for %s: %w", f.Info.FileSize, path, err)
	}
	n, err := file.Read(f.Pool.Bytes[:f.Info.FileSize])
	if err == nil && uint64(n) != f.Info.FileSize {
		err = fmt.Errorf("short read: %d of %d bytes", n, f.Info.FileSize)
	}
	if err != nil {
		_ = r.Boot.FreePool(f.Pool)
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	r.logger().Info("read file",
		"path", path,
		"handle", fmt.Sprintf("%#x", uint64(h)),
		"size", f.Info.FileSize,
		"buffer", fmt.Sprintf("%#x", f.Pool.Address),
	)
	return f, nil
}
