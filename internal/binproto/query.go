package binproto

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/tactile/internal/frame"
)

const (
	// Depth is the number of interleaved byte-planes in a query response.
	Depth = 4
	// FoldThreshold is the midpoint above which plane 3 values are folded.
	FoldThreshold = 128
)

// Plane indices within a decoded query frame.
const (
	PlaneLow = iota
	PlaneHigh
	PlaneAux
	PlaneFolded
)

// DefaultShape is the sensing grid of the binary-protocol devices.
var DefaultShape = frame.Shape{Rows: 80, Cols: 80}

// QueryResponseLen returns the exact length of a query response for shape.
func QueryResponseLen(shape frame.Shape) int {
	return HeaderLen + shape.Cells()*Depth + TrailerLen
}

// Fold maps plane-3 values above the midpoint back into range.
func Fold(v byte) float64 {
	if v > FoldThreshold {
		return float64(v - FoldThreshold)
	}
	return float64(v)
}

// Combine reconstructs the wide reading of one cell. A zero high byte is
// treated as one.
func Combine(high, low float64) float64 {
	return max(high, 1)*256 + low
}

// DecodeQuery validates a query response and returns the combined reading
// as the frame grid, with the four planes attached (plane 3 folded). Any
// framing problem returns an error and no frame.
func DecodeQuery(resp []byte, shape frame.Shape) (*frame.Frame, error) {
	if !shape.Valid() {
		return nil, fmt.Errorf("binproto: invalid shape %s", shape)
	}
	if err := CheckFrame(resp, OpQuery, QueryResponseLen(shape)); err != nil {
		return nil, err
	}

	window := resp[HeaderLen : len(resp)-TrailerLen]
	cells := shape.Cells()
	planes := make([][]float64, Depth)
	for k := range planes {
		planes[k] = make([]float64, cells)
	}
	for i := 0; i < cells; i++ {
		base := i * Depth
		planes[PlaneLow][i] = float64(window[base+PlaneLow])
		planes[PlaneHigh][i] = float64(window[base+PlaneHigh])
		planes[PlaneAux][i] = float64(window[base+PlaneAux])
		planes[PlaneFolded][i] = Fold(window[base+PlaneFolded])
	}

	combined := make([]float64, cells)
	for i := range combined {
		combined[i] = Combine(planes[PlaneHigh][i], planes[PlaneLow][i])
	}

	f, err := frame.New(shape, combined)
	if err != nil {
		return nil, err
	}
	dense := make([]*mat.Dense, Depth)
	for k, p := range planes {
		dense[k] = mat.NewDense(shape.Rows, shape.Cols, p)
	}
	return f.WithPlanes(dense...)
}

// EncodeQueryResponse interleaves four planes of raw bytes into a query
// response. Every plane must hold shape.Cells() bytes.
func EncodeQueryResponse(shape frame.Shape, planes [Depth][]byte) ([]byte, error) {
	cells := shape.Cells()
	body := make([]byte, cells*Depth)
	for k, p := range planes {
		if len(p) != cells {
			return nil, fmt.Errorf("%w: plane %d has %d bytes, want %d", frame.ErrShape, k, len(p), cells)
		}
		for i, v := range p {
			body[i*Depth+k] = v
		}
	}
	return EncodeResponse(OpQuery, 0, body), nil
}
