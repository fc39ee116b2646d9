package firmware

import "fmt"

// Status is a firmware status code. Error codes have the high bit set, warnings
// do not. A Status is itself an error so callers can match on it with
// errors.Is through any amount of wrapping.
type Status uint64

const errorBit = 1 << 63

const (
	StatusSuccess          Status = 0
	StatusLoadError        Status = errorBit | 1
	StatusInvalidParameter Status = errorBit | 2
	StatusUnsupported      Status = errorBit | 3
	StatusBadBufferSize    Status = errorBit | 4
	StatusBufferTooSmall   Status = errorBit | 5
	StatusNotReady         Status = errorBit | 6
	StatusDeviceError      Status = errorBit | 7
	StatusWriteProtected   Status = errorBit | 8
	StatusOutOfResources   Status = errorBit | 9
	StatusVolumeCorrupted  Status = errorBit | 10
	StatusVolumeFull       Status = errorBit | 11
	StatusNoMedia          Status = errorBit | 12
	StatusMediaChanged     Status = errorBit | 13
	StatusNotFound         Status = errorBit | 14
	StatusAccessDenied     Status = errorBit | 15
	StatusEndOfFile        Status = errorBit | 31
)

var statusNames = map[Status]string{
	StatusSuccess:          "success",
	StatusLoadError:        "load error",
	StatusInvalidParameter: "invalid parameter",
	StatusUnsupported:      "unsupported",
	StatusBadBufferSize:    "bad buffer size",
	StatusBufferTooSmall:   "buffer too small",
	StatusNotReady:         "not ready",
	StatusDeviceError:      "device error",
	StatusWriteProtected:   "write protected",
	StatusOutOfResources:   "out of resources",
	StatusVolumeCorrupted:  "volume corrupted",
	StatusVolumeFull:       "volume full",
	StatusNoMedia:          "no media",
	StatusMediaChanged:     "media changed",
	StatusNotFound:         "not found",
	StatusAccessDenied:     "access denied",
	StatusEndOfFile:        "end of file",
}

// IsError reports whether s is an error status.
func (s Status) IsError() bool {
	return s&errorBit != 0
}

// Err returns nil for non-error statuses and s otherwise.
func (s Status) Err() error {
	if !s.IsError() {
		return nil
	}
	return s
}

func (s Status) Error() string {
	return "firmware: " + s.String()
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	if s.IsError() {
		return fmt.Sprintf("error status %#x", uint64(s&^errorBit))
	}
	return fmt.Sprintf("warning status %#x", uint64(s))
}
