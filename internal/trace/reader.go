package trace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"
)

// Entry is one decoded log entry.
type Entry struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

func (e Entry) String() string {
	if e.Kind == KindBytes {
		return fmt.Sprintf("%s [%s] % x", e.Time.Format(time.RFC3339Nano), e.Source, e.Data)
	}
	return fmt.Sprintf("%s [%s] %s", e.Time.Format(time.RFC3339Nano), e.Source, e.Data)
}

type indexEntry struct {
	off    int64
	source string
	nanos  int64
}

// Reader indexes a log so it can be filtered without decoding every payload.
type Reader struct {
	r     io.ReaderAt
	index []indexEntry
}

// NewReader indexes the size bytes of log held by r.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	rd := &Reader{r: r}
	var hdr [headerSize]byte
	for off := int64(0); off < size; {
		if _, err := r.ReadAt(hdr[:], off); err != nil {
			return nil, fmt.Errorf("trace: read header at %d: %w", off, err)
		}
		kind := Kind(binary.LittleEndian.Uint16(hdr[0:]))
		srcLen := int64(binary.LittleEndian.Uint16(hdr[2:]))
		dataLen := int64(binary.LittleEndian.Uint32(hdr[4:]))
		if kind == KindInvalid {
			return nil, fmt.Errorf("trace: invalid entry at %d", off)
		}
		src := make([]byte, srcLen)
		if _, err := r.ReadAt(src, off+headerSize); err != nil {
			return nil, fmt.Errorf("trace: read source at %d: %w", off, err)
		}
		rd.index = append(rd.index, indexEntry{
			off:    off,
			source: string(src),
			nanos:  int64(binary.LittleEndian.Uint64(hdr[8:])),
		})
		off += headerSize + srcLen + dataLen
	}
	return rd, nil
}

// Open indexes the log file at path. The returned closer releases the file.
func Open(path string) (*Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	r, err := NewReader(f, st.Size())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return r, f, nil
}

// Len is the number of entries.
func (r *Reader) Len() int {
	return len(r.index)
}

// Sources lists source names in order of first appearance.
func (r *Reader) Sources() []string {
	seen := make(map[string]bool)
	var out []string
	for _, ie := range r.index {
		if !seen[ie.source] {
			seen[ie.source] = true
			out = append(out, ie.source)
		}
	}
	return out
}

// TimeRange returns the earliest and latest timestamps.
func (r *Reader) TimeRange() (time.Time, time.Time) {
	if len(r.index) == 0 {
		return time.Time{}, time.Time{}
	}
	lo, hi := r.index[0].nanos, r.index[0].nanos
	for _, ie := range r.index[1:] {
		lo = min(lo, ie.nanos)
		hi = max(hi, ie.nanos)
	}
	return time.Unix(0, lo), time.Unix(0, hi)
}

// Filter selects entries.
type Filter struct {
	// Source, if set, must match the source name.
	Source *regexp.Regexp

	// Limit keeps at most this many entries; zero keeps all.
	Limit int

	// Tail keeps the last Limit entries instead of the first.
	Tail bool
}

// ErrStop ends an iteration early without error.
var ErrStop = errors.New("trace: stop")

// Each calls fn for every entry passing f, in write order.
func (r *Reader) Each(f Filter, fn func(Entry) error) error {
	var sel []indexEntry
	for _, ie := range r.index {
		if f.Source == nil || f.Source.MatchString(ie.source) {
			sel = append(sel, ie)
		}
	}
	if f.Limit > 0 && len(sel) > f.Limit {
		if f.Tail {
			sel = sel[len(sel)-f.Limit:]
		} else {
			sel = sel[:f.Limit]
		}
	}

	var hdr [headerSize]byte
	for _, ie := range sel {
		if _, err := r.r.ReadAt(hdr[:], ie.off); err != nil {
			return err
		}
		data := make([]byte, binary.LittleEndian.Uint32(hdr[4:]))
		if _, err := r.r.ReadAt(data, ie.off+headerSize+int64(len(ie.source))); err != nil && !(errors.Is(err, io.EOF) && len(data) == 0) {
			return err
		}
		err := fn(Entry{
			Time:   time.Unix(0, ie.nanos),
			Kind:   Kind(binary.LittleEndian.Uint16(hdr[0:])),
			Source: ie.source,
			Data:   data,
		})
		if errors.Is(err, ErrStop) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}
