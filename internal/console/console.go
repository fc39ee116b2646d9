// Package console implements the firmware text console on top of a host
// terminal.
package console

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/tinyrange/kboot/internal/firmware"
)

var styles = map[firmware.Attribute]ansi.Style{
	firmware.AttributeInfo:    ansi.Style{}.ForegroundColor(ansi.Cyan),
	firmware.AttributeSuccess: ansi.Style{}.ForegroundColor(ansi.Green),
	firmware.AttributeWarning: ansi.Style{}.Bold().ForegroundColor(ansi.Yellow),
	firmware.AttributeError:   ansi.Style{}.Bold().ForegroundColor(ansi.Red),
}

// Terminal writes console output to Out and reads key presses from In.
type Terminal struct {
	Out io.Writer
	// In supplies key presses. A nil In never blocks.
	In io.Reader
	// Color enables ANSI styling of non-default attributes.
	Color bool

	mu   sync.Mutex
	attr firmware.Attribute

	keysOnce sync.Once
	keys     chan struct{}
	readErr  error
}

var _ firmware.Console = (*Terminal)(nil)

func (t *Terminal) SetAttribute(attr firmware.Attribute) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attr = attr
	return nil
}

// OutputString writes s. Firmware line endings are converted to the host's
// and any escape sequences in s are removed before styling.
func (t *Terminal) OutputString(s string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s = strings.ReplaceAll(ansi.Strip(s), "\r\n", "\n")
	if style, ok := styles[t.attr]; ok && t.Color {
		// Style each line so a newline never carries colour into the next prompt.
		lines := strings.SplitAfter(s, "\n")
		for i, line := range lines {
			text := strings.TrimSuffix(line, "\n")
			if text != "" {
				lines[i] = style.Styled(text) + line[len(text):]
			}
		}
		s = strings.Join(lines, "")
	}
	_, err := io.WriteString(t.Out, s)
	return err
}

// WaitForKey reads a single byte from In. End of input counts as a key.
//
// Bytes are read by one goroutine per Terminal that lives until In returns
// an error. A wait abandoned through ctx leaves the next key for the
// following WaitForKey.
func (t *Terminal) WaitForKey(ctx context.Context) error {
	if t.In == nil {
		return nil
	}
	t.keysOnce.Do(func() {
		t.keys = make(chan struct{})
		go t.readKeys()
	})
	select {
	case _, ok := <-t.keys:
		if ok || errors.Is(t.readErr, io.EOF) {
			return nil
		}
		return t.readErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readKeys hands each byte of In to a waiter and closes keys once In fails.
func (t *Terminal) readKeys() {
	defer close(t.keys)
	var b [1]byte
	for {
		n, err := t.In.Read(b[:])
		if n > 0 {
			t.keys <- struct{}{}
		}
		if err != nil {
			t.readErr = err
			return
		}
	}
}

// Line is one line of console output.
type Line struct {
	Attr firmware.Attribute
	Text string
}

// Transcript is a console that records output by line.
type Transcript struct {
	mu      sync.Mutex
	attr    firmware.Attribute
	partial strings.Builder
	lines   []Line
	keys    int
}

var _ firmware.Console = (*Transcript)(nil)

func (c *Transcript) SetAttribute(attr firmware.Attribute) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attr = attr
	return nil
}

func (c *Transcript) OutputString(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range s {
		switch r {
		case '\r':
		case '\n':
			c.lines = append(c.lines, Line{Attr: c.attr, Text: c.partial.String()})
			c.partial.Reset()
		default:
			c.partial.WriteRune(r)
		}
	}
	return nil
}

func (c *Transcript) WaitForKey(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys++
	return ctx.Err()
}

// Lines returns the completed lines.
func (c *Transcript) Lines() []Line {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Line(nil), c.lines...)
}

// Text returns the completed lines without attributes.
func (c *Transcript) Text() []string {
	var out []string
	for _, l := range c.Lines() {
		out = append(out, l.Text)
	}
	return out
}

// Keys is the number of WaitForKey calls.
func (c *Transcript) Keys() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys
}
