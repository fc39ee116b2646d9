// Package trace is an append-only binary log of boot events.
//
// Each entry is a 16 byte header followed by the source name and the data:
//   - 2 bytes kind
//   - 2 bytes source length
//   - 4 bytes data length
//   - 8 bytes timestamp (nanoseconds since the Unix epoch)
//
// Writers reserve space by atomically advancing the log offset, so entries
// from concurrent writers never overlap.
package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const headerSize = 16

// Kind tags the payload of an entry.
type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindString:
		return "string"
	default:
		return fmt.Sprintf("Kind(%d)", uint16(k))
	}
}

// Sink receives encoded entries.
type Sink interface {
	io.WriterAt
	io.Closer
}

// Log appends entries to a Sink. A nil *Log discards everything.
type Log struct {
	sink Sink
	off  atomic.Int64
	now  func() time.Time
}

// New returns a log writing to sink from offset zero.
func New(sink Sink) *Log {
	return &Log{sink: sink, now: time.Now}
}

// Create truncates path and logs to it.
func Create(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return New(f), nil
}

// Close closes the sink.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	return l.sink.Close()
}

func (l *Log) append(kind Kind, source string, data []byte) error {
	if l == nil {
		return nil
	}
	if len(source) > math.MaxUint16 {
		return fmt.Errorf("trace: source name of %d bytes", len(source))
	}
	if uint64(len(data)) > math.MaxUint32 {
		return fmt.Errorf("trace: entry of %d bytes", len(data))
	}

	entry := make([]byte, headerSize+len(source)+len(data))
	binary.LittleEndian.PutUint16(entry[0:], uint16(kind))
	binary.LittleEndian.PutUint16(entry[2:], uint16(len(source)))
	binary.LittleEndian.PutUint32(entry[4:], uint32(len(data)))
	binary.LittleEndian.PutUint64(entry[8:], uint64(l.now().UnixNano()))
	copy(entry[headerSize:], source)
	copy(entry[headerSize+len(source):], data)

	off := l.off.Add(int64(len(entry))) - int64(len(entry))
	if _, err := l.sink.WriteAt(entry, off); err != nil {
		return fmt.Errorf("trace: write entry at %d: %w", off, err)
	}
	return nil
}

// Source returns a writer that tags entries with name.
func (l *Log) Source(name string) *Source {
	return &Source{log: l, name: name}
}

// Source writes entries under one source name.
type Source struct {
	log  *Log
	name string
}

func (s *Source) WriteBytes(data []byte) error {
	return s.log.append(KindBytes, s.name, data)
}

func (s *Source) Write(msg string) error {
	return s.log.append(KindString, s.name, []byte(msg))
}

func (s *Source) Writef(format string, args ...any) error {
	return s.log.append(KindString, s.name, fmt.Appendf(nil, format, args...))
}

// Buffer is an in-memory Sink that can be read back.
type Buffer struct {
	mu   sync.Mutex
	data []byte
}

func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if end := int(off) + len(p); end > len(b.data) {
		b.data = append(b.data, make([]byte, end-len(b.data))...)
	}
	return copy(b.data[off:], p), nil
}

func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(p) == 0 {
		return 0, nil
	}
	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.data))
}

func (b *Buffer) Close() error { return nil }
