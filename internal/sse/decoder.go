// Package sse parses server-sent event streams from model providers.
// The wire decoder is byte-chunk agnostic: feeding one byte at a time
// yields exactly the frames of feeding the whole stream at once.
package sse

import (
	"bytes"
	"log/slog"
	"strconv"
	"strings"
)

// Frame is one dispatched SSE record.
type Frame struct {
	// Type is the event field, defaulting to "message".
	Type string
	// Data joins repeated data fields with "\n".
	Data string
	// ID is the last id field; ids containing NUL are rejected.
	ID string
	// Retry is the last valid retry field in milliseconds; -1 if none.
	Retry int
}

// Decoder reassembles frames across arbitrary chunk boundaries.
type Decoder struct {
	buf []byte

	eventType string
	dataLines []string
	id        string
	retry     int
	dirty     bool
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{retry: -1}
}

// Feed consumes a byte chunk and returns every frame completed by it.
func (d *Decoder) Feed(p []byte) []Frame {
	d.buf = append(d.buf, p...)
	var frames []Frame
	for {
		line, ok := d.nextLine()
		if !ok {
			return frames
		}
		if f := d.processLine(line); f != nil {
			frames = append(frames, *f)
		}
	}
}

// Close flushes the stream end: a trailing partial line counts as a
// line, and a pending record is dispatched even without its blank
// terminator.
func (d *Decoder) Close() []Frame {
	var frames []Frame
	if len(d.buf) > 0 {
		line := string(bytes.TrimSuffix(d.buf, []byte("\r")))
		d.buf = nil
		if f := d.processLine(line); f != nil {
			frames = append(frames, *f)
		}
	}
	if d.dirty {
		if f := d.dispatch(); f != nil {
			frames = append(frames, *f)
		}
	}
	return frames
}

// nextLine extracts one terminated line. "\n", "\r\n" and bare "\r"
// all terminate; a trailing "\r" is held back until the next chunk
// shows whether a "\n" follows.
func (d *Decoder) nextLine() (string, bool) {
	for i := 0; i < len(d.buf); i++ {
		switch d.buf[i] {
		case '\n':
			line := string(d.buf[:i])
			d.buf = d.buf[i+1:]
			return line, true
		case '\r':
			if i == len(d.buf)-1 {
				return "", false // might be the first half of \r\n
			}
			line := string(d.buf[:i])
			if d.buf[i+1] == '\n' {
				d.buf = d.buf[i+2:]
			} else {
				d.buf = d.buf[i+1:]
			}
			return line, true
		}
	}
	return "", false
}

func (d *Decoder) processLine(line string) *Frame {
	if line == "" {
		return d.dispatch()
	}
	if strings.HasPrefix(line, ":") {
		return nil // comment
	}

	var field, value string
	if idx := strings.IndexByte(line, ':'); idx >= 0 {
		field = line[:idx]
		value = line[idx+1:]
		// A single leading space after the colon is stripped; any
		// further spaces belong to the value.
		value = strings.TrimPrefix(value, " ")
	} else {
		field = line
	}

	d.dirty = true
	switch field {
	case "event":
		d.eventType = value
	case "data":
		d.dataLines = append(d.dataLines, value)
	case "id":
		if strings.ContainsRune(value, 0) {
			slog.Warn("sse: rejecting id containing NUL")
			return nil
		}
		d.id = value
	case "retry":
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			d.retry = n
		}
		// non-decimal retry values are ignored
	}
	return nil
}

// dispatch emits the pending record and resets per-record state.
func (d *Decoder) dispatch() *Frame {
	if !d.dirty {
		return nil
	}
	f := &Frame{
		Type:  d.eventType,
		Data:  strings.Join(d.dataLines, "\n"),
		ID:    d.id,
		Retry: d.retry,
	}
	if f.Type == "" {
		f.Type = "message"
	}
	d.eventType = ""
	d.dataLines = nil
	d.dirty = false
	return f
}
