package frame

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/mat"
)

func seqCells(n int) []float64 {
	cells := make([]float64, n)
	for i := range cells {
		cells[i] = float64(i + 1)
	}
	return cells
}

func TestNew_ShapeMismatch(t *testing.T) {
	_, err := New(Shape{Rows: 5, Cols: 16}, seqCells(79))
	if !errors.Is(err, ErrShape) {
		t.Fatalf("New() error = %v, want ErrShape", err)
	}

	_, err = New(Shape{Rows: 0, Cols: 16}, nil)
	if !errors.Is(err, ErrShape) {
		t.Fatalf("New() with invalid shape error = %v, want ErrShape", err)
	}
}

func TestNew_CopiesCells(t *testing.T) {
	cells := seqCells(6)
	f, err := New(Shape{Rows: 2, Cols: 3}, cells)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	cells[0] = 99

	if got := f.At(0, 0); got != 1 {
		t.Errorf("At(0,0) = %v after caller mutation, want 1", got)
	}
	if got := f.At(1, 2); got != 6 {
		t.Errorf("At(1,2) = %v, want 6", got)
	}
}

func TestFromRows(t *testing.T) {
	rows := [][]float64{{1, 2, 3}, {4, 5, 6}}
	f, err := FromRows(Shape{Rows: 2, Cols: 3}, rows)
	if err != nil {
		t.Fatalf("FromRows() error = %v", err)
	}
	if diff := cmp.Diff(rows, f.Rows()); diff != "" {
		t.Errorf("Rows() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{1, 2, 3, 4, 5, 6}, f.Cells()); diff != "" {
		t.Errorf("Cells() mismatch (-want +got):\n%s", diff)
	}

	tests := []struct {
		name string
		rows [][]float64
	}{
		{"too few rows", [][]float64{{1, 2, 3}}},
		{"ragged row", [][]float64{{1, 2, 3}, {4, 5}}},
		{"too many rows", [][]float64{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FromRows(Shape{Rows: 2, Cols: 3}, tt.rows); !errors.Is(err, ErrShape) {
				t.Errorf("FromRows() error = %v, want ErrShape", err)
			}
		})
	}
}

func TestFrame_MatrixIsReadOnly(t *testing.T) {
	f, _ := New(Shape{Rows: 2, Cols: 2}, seqCells(4))
	m := f.Matrix()
	if _, ok := m.(*mat.Dense); ok {
		t.Fatal("Matrix() must not expose the backing *mat.Dense")
	}
	if r, c := m.Dims(); r != 2 || c != 2 {
		t.Errorf("Dims() = %d,%d want 2,2", r, c)
	}
	if got := m.T().At(0, 1); got != 3 {
		t.Errorf("T().At(0,1) = %v, want 3", got)
	}
}

func TestFrame_PlanesAndEqual(t *testing.T) {
	shape := Shape{Rows: 2, Cols: 2}
	base, _ := New(shape, seqCells(4))
	p0 := mat.NewDense(2, 2, []float64{0, 1, 2, 3})
	p1 := mat.NewDense(2, 2, []float64{4, 5, 6, 7})

	a, err := base.WithPlanes(p0, p1)
	if err != nil {
		t.Fatalf("WithPlanes() error = %v", err)
	}
	b, _ := base.WithPlanes(mat.DenseCopyOf(p0), mat.DenseCopyOf(p1))

	if a.NumPlanes() != 2 {
		t.Fatalf("NumPlanes() = %d, want 2", a.NumPlanes())
	}
	if base.NumPlanes() != 0 {
		t.Errorf("WithPlanes must not modify the receiver")
	}
	if !a.Equal(b) {
		t.Error("frames with identical grids and planes should be equal")
	}

	p1.Set(0, 0, 42)
	if !a.Equal(b) {
		t.Error("mutating the source plane must not affect the frame")
	}

	c, _ := base.WithPlanes(p0, mat.NewDense(2, 2, []float64{4, 5, 6, 8}))
	if a.Equal(c) {
		t.Error("frames with different planes should not be equal")
	}
	if a.Equal(base) {
		t.Error("frames with different plane counts should not be equal")
	}

	if _, err := a.Plane(2); err == nil {
		t.Error("Plane(2) should fail for a two-plane frame")
	}
	pv, err := a.Plane(1)
	if err != nil {
		t.Fatalf("Plane(1) error = %v", err)
	}
	if pv.At(1, 1) != 7 {
		t.Errorf("Plane(1).At(1,1) = %v, want 7", pv.At(1, 1))
	}

	if _, err := base.WithPlanes(mat.NewDense(3, 2, nil)); !errors.Is(err, ErrShape) {
		t.Errorf("WithPlanes() with wrong shape error = %v, want ErrShape", err)
	}
}

func TestFrame_StampKeepsGrid(t *testing.T) {
	f, _ := New(Shape{Rows: 1, Cols: 2}, []float64{1, 2})
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	s := f.Stamp(at, 7, 3)

	if !s.CapturedAt.Equal(at) || s.Seq != 7 || s.Device != 3 {
		t.Errorf("Stamp() metadata = %v/%d/%d", s.CapturedAt, s.Seq, s.Device)
	}
	if !f.CapturedAt.IsZero() {
		t.Error("Stamp must not modify the receiver")
	}
	if !s.Equal(f) {
		t.Error("stamped frame should compare equal to the original")
	}

	var nilFrame *Frame
	if nilFrame.Equal(f) || !nilFrame.Equal(nil) {
		t.Error("nil frame comparisons are wrong")
	}
}

func TestFrame_Snapshot(t *testing.T) {
	f, _ := FromRows(Shape{Rows: 2, Cols: 2}, [][]float64{{1, 2}, {3, 4}})
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := f.Stamp(at, 4, 1).Snapshot()

	want := Snapshot{Seq: 4, Device: 1, CapturedAt: at, Rows: 2, Cols: 2, Cells: [][]float64{{1, 2}, {3, 4}}}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}

	s.Cells[0][0] = 99
	if f.At(0, 0) != 1 {
		t.Error("Snapshot cells alias the frame grid")
	}
}
