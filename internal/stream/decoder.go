package stream

import (
	"bytes"
	"strings"
	"unicode"
)

const fieldSeparator = ':'

// Decoder turns an arbitrarily chunked byte stream into Events. Records are
// separated by a blank line; lines end in "\n", "\r\n" or "\r". The output
// does not depend on where the chunk boundaries fall.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf    []byte
	scan   int
	offset int64
	rec    pendingRecord
}

type pendingRecord struct {
	id       string
	typ      string
	data     strings.Builder
	hasField bool
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Offset reports how many bytes have been consumed into complete lines.
func (d *Decoder) Offset() int64 {
	return d.offset
}

// Feed appends newly arrived bytes and returns every record completed by
// them. Bytes of an unterminated trailing line stay buffered.
func (d *Decoder) Feed(p []byte) []Event {
	d.buf = append(d.buf, p...)

	var out []Event
	start := 0
	for {
		from := max(start, d.scan)
		i := bytes.IndexAny(d.buf[from:], "\r\n")
		if i < 0 {
			d.scan = len(d.buf)
			break
		}
		end := from + i
		next := end + 1
		if d.buf[end] == '\r' {
			// "\r" may be the first half of "\r\n"; wait for the next byte.
			if next == len(d.buf) {
				d.scan = end
				break
			}
			if d.buf[next] == '\n' {
				next++
			}
		}
		if evt, ok := d.line(d.buf[start:end]); ok {
			out = append(out, evt)
		}
		start = next
	}

	d.offset += int64(start)
	d.buf = append(d.buf[:0], d.buf[start:]...)
	d.scan -= start
	if d.scan < 0 {
		d.scan = 0
	}
	return out
}

// Flush parses whatever is still buffered as the final record of the
// stream. It returns at most one Event and leaves the Decoder empty, so a
// second call returns nothing.
func (d *Decoder) Flush() []Event {
	var out []Event
	if len(d.buf) > 0 {
		last := bytes.TrimRight(d.buf, "\r")
		d.offset += int64(len(d.buf))
		d.buf = d.buf[:0]
		d.scan = 0
		if len(last) > 0 {
			d.field(last)
		}
	}
	if evt, ok := d.emit(); ok {
		out = append(out, evt)
	}
	return out
}

// line handles one complete line; a blank line ends the current record.
func (d *Decoder) line(raw []byte) (Event, bool) {
	if len(raw) == 0 {
		return d.emit()
	}
	d.field(raw)
	return Event{}, false
}

func (d *Decoder) field(raw []byte) {
	line := strings.TrimRightFunc(string(raw), unicode.IsSpace)
	idx := strings.IndexByte(line, fieldSeparator)
	if idx <= 0 {
		// Empty, comment, or no separator at all.
		return
	}
	name := line[:idx]
	value := strings.TrimLeftFunc(line[idx+1:], unicode.IsSpace)
	switch name {
	case "data":
		d.rec.data.WriteString(value)
	case "event":
		d.rec.typ = value
	case "id":
		d.rec.id = value
	default:
		return
	}
	d.rec.hasField = true
}

func (d *Decoder) emit() (Event, bool) {
	rec := &d.rec
	if !rec.hasField {
		d.rec = pendingRecord{}
		return Event{}, false
	}
	evt := Event{
		ID:   rec.id,
		Type: rec.typ,
		Data: rec.data.String(),
	}
	if evt.Type == "" {
		evt.Type = DefaultEventType
	}
	d.rec = pendingRecord{}
	return evt, true
}
