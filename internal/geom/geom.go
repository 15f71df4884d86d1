// Package geom holds the axis-aligned box arithmetic shared by the accident
// smoother and the traffic counter. Coordinates are pixels, (X1,Y1) is the
// top-left corner and (X2,Y2) the bottom-right.
package geom

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// minUnion keeps IoU finite for degenerate boxes.
const minUnion = 1e-6

// Rect is an axis-aligned rectangle in pixel coordinates.
type Rect struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width returns the horizontal extent, floored at zero.
func (r Rect) Width() float64 { return math.Max(0, r.X2-r.X1) }

// Height returns the vertical extent, floored at zero.
func (r Rect) Height() float64 { return math.Max(0, r.Y2-r.Y1) }

// Area returns the rectangle area, zero for inverted rectangles.
func (r Rect) Area() float64 { return r.Width() * r.Height() }

// Centroid returns the centre point of the rectangle.
func (r Rect) Centroid() (x, y float64) {
	return (r.X1 + r.X2) / 2, (r.Y1 + r.Y2) / 2
}

// Valid reports whether all coordinates are finite and the rectangle has
// positive width and height.
func (r Rect) Valid() bool {
	for _, v := range []float64{r.X1, r.Y1, r.X2, r.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return r.X2 > r.X1 && r.Y2 > r.Y1
}

func (r Rect) String() string {
	return fmt.Sprintf("(%.0f,%.0f)-(%.0f,%.0f)", r.X1, r.Y1, r.X2, r.Y2)
}

// intersection returns the overlapping width and height of a and b. Either
// value is <= 0 when the rectangles do not overlap.
func intersection(a, b Rect) (w, h float64) {
	ix1 := math.Max(a.X1, b.X1)
	iy1 := math.Max(a.Y1, b.Y1)
	ix2 := math.Min(a.X2, b.X2)
	iy2 := math.Min(a.Y2, b.Y2)
	return ix2 - ix1, iy2 - iy1
}

// IoU returns intersection-over-union of a and b in [0,1].
func IoU(a, b Rect) float64 {
	w, h := intersection(a, b)
	if w <= 0 || h <= 0 {
		return 0
	}
	inter := w * h
	return inter / math.Max(a.Area()+b.Area()-inter, minUnion)
}

// Intersects reports whether a and b share a region of strictly positive
// area. Rectangles that only touch along an edge or at a corner do not
// intersect.
func Intersects(a, b Rect) bool {
	w, h := intersection(a, b)
	return w > 0 && h > 0
}

// ParseNormRect converts a "x1,y1,x2,y2" string of normalized (0..1)
// coordinates into a pixel rectangle for a frame of the given size.
func ParseNormRect(s string, width, height int) (Rect, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Rect{}, fmt.Errorf("expected 4 comma-separated values, got %d in %q", len(parts), s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Rect{}, fmt.Errorf("invalid coordinate %q: %w", p, err)
		}
		v[i] = f
	}
	w, h := float64(width), float64(height)
	return Rect{
		X1: math.Round(v[0] * w),
		Y1: math.Round(v[1] * h),
		X2: math.Round(v[2] * w),
		Y2: math.Round(v[3] * h),
	}, nil
}
