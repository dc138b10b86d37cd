// Package textproto decodes the streaming ASCII protocol of the serial sensor
// board. Packets are separated by a blank line ("\r\n\r\n"), rows by "\r\n"
// and cells by ",".
package textproto

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/tactile/internal/frame"
	"github.com/banshee-data/tactile/internal/ringbuf"
)

const (
	// Delimiter separates packets.
	Delimiter = "\r\n\r\n"
	// RowDelimiter separates rows inside a packet.
	RowDelimiter = "\r\n"
	// CellDelimiter separates cells inside a row.
	CellDelimiter = ","
)

// DefaultShape is the 5x16 grid reported by the serial board.
var DefaultShape = frame.Shape{Rows: 5, Cols: 16}

var delim = []byte(Delimiter)

// ErrMalformed matches every *DecodeError.
var ErrMalformed = errors.New("textproto: malformed packet")

// Outcome classifies the result of one Next call.
type Outcome int

const (
	// NeedMore means no complete packet is buffered yet.
	NeedMore Outcome = iota
	// Decoded means Result.Frame holds a valid frame.
	Decoded
	// Malformed means a complete packet was consumed but could not be parsed.
	Malformed
)

func (o Outcome) String() string {
	switch o {
	case NeedMore:
		return "need-more"
	case Decoded:
		return "decoded"
	case Malformed:
		return "malformed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the outcome of one decode step.
type Result struct {
	Outcome Outcome
	Frame   *frame.Frame
	// Err is a *DecodeError when Outcome is Malformed.
	Err error
}

// DecodeError describes a packet that was discarded.
type DecodeError struct {
	Reason string
	Packet []byte
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("textproto: %s: %v", e.Reason, e.Err)
	}
	return "textproto: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrMalformed) hold for every DecodeError.
func (e *DecodeError) Is(target error) bool { return target == ErrMalformed }

// Decoder turns arbitrarily chunked bytes into frames. It is not safe for
// concurrent use.
type Decoder struct {
	buf   *ringbuf.Buffer
	shape frame.Shape
}

// NewDecoder returns a decoder for packets of the given shape, buffering at
// most capacity bytes. A zero shape or capacity selects the defaults.
func NewDecoder(shape frame.Shape, capacity int) (*Decoder, error) {
	if shape == (frame.Shape{}) {
		shape = DefaultShape
	}
	if !shape.Valid() {
		return nil, fmt.Errorf("textproto: invalid shape %s", shape)
	}
	if capacity == 0 {
		capacity = ringbuf.DefaultCapacity
	}
	if capacity < 2*len(delim) {
		return nil, fmt.Errorf("textproto: capacity %d too small", capacity)
	}
	buf, err := ringbuf.New(capacity)
	if err != nil {
		return nil, err
	}
	d := &Decoder{buf: buf, shape: shape}
	d.Reset()
	return d, nil
}

// Shape returns the expected packet shape.
func (d *Decoder) Shape() frame.Shape { return d.shape }

// Feed appends received bytes. Bytes beyond the buffer capacity evict the
// oldest buffered bytes.
func (d *Decoder) Feed(p []byte) {
	d.buf.Write(p)
}

// Buffered returns a copy of the bytes not yet consumed.
func (d *Decoder) Buffered() []byte { return d.buf.Bytes() }

// Evicted returns the number of bytes lost to buffer overflow.
func (d *Decoder) Evicted() uint64 { return d.buf.Evicted() }

// Reset drops all buffered bytes. The start of the stream counts as a packet
// boundary, so the buffer is seeded with one delimiter.
func (d *Decoder) Reset() {
	d.buf.Reset()
	d.buf.Write(delim)
}

// Next consumes the oldest completed packet, if any. Consumed bytes are
// removed in place; the buffer keeps the closing delimiter of the packet
// followed by whatever arrived after it.
func (d *Decoder) Next() Result {
	for {
		data := d.buf.Bytes()
		start := bytes.Index(data, delim)
		if start < 0 {
			return Result{Outcome: NeedMore}
		}
		rel := bytes.Index(data[start+len(delim):], delim)
		if rel < 0 {
			// Drop garbage before the first boundary.
			d.buf.Discard(start)
			return Result{Outcome: NeedMore}
		}
		end := start + len(delim) + rel
		packet := data[start+len(delim) : end]
		d.buf.Discard(end)

		if len(bytes.Trim(packet, "\r\n")) == 0 {
			continue
		}
		f, err := ParsePacket(packet, d.shape)
		if err != nil {
			return Result{Outcome: Malformed, Err: err}
		}
		return Result{Outcome: Decoded, Frame: f}
	}
}

// ParsePacket parses one packet body (without the surrounding delimiters)
// into a frame of the given shape. Failures are *DecodeError.
func ParsePacket(packet []byte, shape frame.Shape) (*frame.Frame, error) {
	body := strings.Trim(string(packet), "\r\n")
	lines := strings.Split(body, RowDelimiter)
	if len(lines) != shape.Rows {
		return nil, &DecodeError{
			Reason: fmt.Sprintf("got %d rows, want %d", len(lines), shape.Rows),
			Packet: append([]byte(nil), packet...),
			Err:    frame.ErrShape,
		}
	}

	rows := make([][]float64, len(lines))
	for i, line := range lines {
		fields := strings.Split(line, CellDelimiter)
		if len(fields) != shape.Cols {
			return nil, &DecodeError{
				Reason: fmt.Sprintf("row %d has %d columns, want %d", i, len(fields), shape.Cols),
				Packet: append([]byte(nil), packet...),
				Err:    frame.ErrShape,
			}
		}
		row := make([]float64, len(fields))
		for j, field := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, &DecodeError{
					Reason: fmt.Sprintf("row %d column %d", i, j),
					Packet: append([]byte(nil), packet...),
					Err:    err,
				}
			}
			row[j] = v
		}
		rows[i] = row
	}

	f, err := frame.FromRows(shape, rows)
	if err != nil {
		return nil, &DecodeError{Reason: "shape", Packet: append([]byte(nil), packet...), Err: err}
	}
	return f, nil
}

// EncodePacket renders rows in the wire format, including the leading row
// break and the closing blank line. It is used by the dev-mode generator.
func EncodePacket(rows [][]float64) []byte {
	var b bytes.Buffer
	b.WriteString(RowDelimiter)
	for _, row := range rows {
		for j, v := range row {
			if j > 0 {
				b.WriteString(CellDelimiter)
			}
			b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
		b.WriteString(RowDelimiter)
	}
	b.WriteString(RowDelimiter)
	return b.Bytes()
}
