// Package frame defines the decoded sensor frame and the bounded queue that
// carries frames from the background poller to the consumer.
package frame

import (
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"
)

// ErrShape is returned when cell data does not match the requested shape.
var ErrShape = errors.New("frame: shape mismatch")

// Shape is the rows×cols contract of a sensor grid.
type Shape struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

func (s Shape) String() string { return fmt.Sprintf("%dx%d", s.Rows, s.Cols) }

// Cells returns rows*cols.
func (s Shape) Cells() int { return s.Rows * s.Cols }

// Valid reports whether both dimensions are positive.
func (s Shape) Valid() bool { return s.Rows > 0 && s.Cols > 0 }

// Frame is one decoded reading. The grid is never exposed mutably: accessors
// return copies or read-only views, so a Frame can be shared between the
// poller and any number of readers.
type Frame struct {
	grid *mat.Dense
	// planes holds the raw bit-planes of a binary response, nil for text frames.
	planes []*mat.Dense

	// CapturedAt is stamped by the poller when the frame is decoded.
	CapturedAt time.Time
	// Seq is the 1-based decode order within a poller run.
	Seq uint64
	// Device is the registry index the frame came from (0 for the text protocol).
	Device int
}

// New builds a frame from row-major cells. It fails with ErrShape when the
// cell count does not equal shape.Cells(). The cells slice is copied.
func New(shape Shape, cells []float64) (*Frame, error) {
	if !shape.Valid() {
		return nil, fmt.Errorf("%w: invalid shape %s", ErrShape, shape)
	}
	if len(cells) != shape.Cells() {
		return nil, fmt.Errorf("%w: %d cells for %s", ErrShape, len(cells), shape)
	}
	data := make([]float64, len(cells))
	copy(data, cells)
	return &Frame{grid: mat.NewDense(shape.Rows, shape.Cols, data)}, nil
}

// FromRows builds a frame from parsed rows. Every row must have the same
// length as the shape's column count.
func FromRows(shape Shape, rows [][]float64) (*Frame, error) {
	if len(rows) != shape.Rows {
		return nil, fmt.Errorf("%w: got %d rows, want %d", ErrShape, len(rows), shape.Rows)
	}
	cells := make([]float64, 0, shape.Cells())
	for i, row := range rows {
		if len(row) != shape.Cols {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrShape, i, len(row), shape.Cols)
		}
		cells = append(cells, row...)
	}
	return New(shape, cells)
}

// WithPlanes returns a copy of f that also carries the given bit-planes.
// Each plane must have the frame's shape.
func (f *Frame) WithPlanes(planes ...*mat.Dense) (*Frame, error) {
	shape := f.Shape()
	out := *f
	out.planes = make([]*mat.Dense, len(planes))
	for i, p := range planes {
		r, c := p.Dims()
		if r != shape.Rows || c != shape.Cols {
			return nil, fmt.Errorf("%w: plane %d is %dx%d, want %s", ErrShape, i, r, c, shape)
		}
		out.planes[i] = mat.DenseCopyOf(p)
	}
	return &out, nil
}

// Shape returns the grid dimensions.
func (f *Frame) Shape() Shape {
	r, c := f.grid.Dims()
	return Shape{Rows: r, Cols: c}
}

// At returns the value at row i, column j.
func (f *Frame) At(i, j int) float64 { return f.grid.At(i, j) }

// Matrix returns a read-only view of the grid.
func (f *Frame) Matrix() mat.Matrix { return readOnly{f.grid} }

// Cells returns a row-major copy of the grid values.
func (f *Frame) Cells() []float64 {
	raw := f.grid.RawMatrix()
	out := make([]float64, 0, raw.Rows*raw.Cols)
	for i := 0; i < raw.Rows; i++ {
		out = append(out, raw.Data[i*raw.Stride:i*raw.Stride+raw.Cols]...)
	}
	return out
}

// Rows returns the grid as a freshly allocated slice of rows.
func (f *Frame) Rows() [][]float64 {
	shape := f.Shape()
	out := make([][]float64, shape.Rows)
	for i := range out {
		out[i] = mat.Row(nil, i, f.grid)
	}
	return out
}

// NumPlanes returns the number of bit-planes carried by a binary frame.
func (f *Frame) NumPlanes() int { return len(f.planes) }

// Plane returns a read-only view of bit-plane k.
func (f *Frame) Plane(k int) (mat.Matrix, error) {
	if k < 0 || k >= len(f.planes) {
		return nil, fmt.Errorf("frame: plane %d out of range [0,%d)", k, len(f.planes))
	}
	return readOnly{f.planes[k]}, nil
}

// Equal reports whether two frames carry bit-for-bit identical grids and
// planes. Timestamps and sequence numbers are ignored.
func (f *Frame) Equal(other *Frame) bool {
	if f == nil || other == nil {
		return f == other
	}
	if f.Shape() != other.Shape() || len(f.planes) != len(other.planes) {
		return false
	}
	if !mat.Equal(f.grid, other.grid) {
		return false
	}
	for i := range f.planes {
		if !mat.Equal(f.planes[i], other.planes[i]) {
			return false
		}
	}
	return true
}

// Stamp returns a copy of f with capture metadata set. The grid is shared,
// which is safe because it is never mutated.
func (f *Frame) Stamp(at time.Time, seq uint64, device int) *Frame {
	out := *f
	out.CapturedAt = at
	out.Seq = seq
	out.Device = device
	return &out
}

// readOnly hides the concrete *mat.Dense so callers cannot type-assert their
// way to the backing storage.
type readOnly struct{ m *mat.Dense }

func (r readOnly) Dims() (int, int)    { return r.m.Dims() }
func (r readOnly) At(i, j int) float64 { return r.m.At(i, j) }
func (r readOnly) T() mat.Matrix       { return mat.Transpose{Matrix: r} }

// Snapshot is the JSON form of a frame used by debug routes and the recorder.
type Snapshot struct {
	Seq        uint64      `json:"seq"`
	Device     int         `json:"device"`
	CapturedAt time.Time   `json:"captured_at"`
	Rows       int         `json:"rows"`
	Cols       int         `json:"cols"`
	Cells      [][]float64 `json:"cells"`
}

// Snapshot returns a detached copy of f suitable for encoding.
func (f *Frame) Snapshot() Snapshot {
	shape := f.Shape()
	return Snapshot{
		Seq:        f.Seq,
		Device:     f.Device,
		CapturedAt: f.CapturedAt,
		Rows:       shape.Rows,
		Cols:       shape.Cols,
		Cells:      f.Rows(),
	}
}
