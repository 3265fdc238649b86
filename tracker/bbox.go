package tracker

import (
	"math"
)

// BBox is an axis-aligned rectangle.  Coordinates are normalized to the
// [0,1] image extent whenever a box crosses a subsystem boundary; absolute
// pixel coordinates only appear locally and are named as such.
type BBox struct {
	X1, Y1, X2, Y2 float32
}

// Width returns the box width
func (b BBox) Width() float32 {
	return b.X2 - b.X1
}

// Height returns the box height
func (b BBox) Height() float32 {
	return b.Y2 - b.Y1
}

// Area returns the box area
func (b BBox) Area() float32 {
	return b.Width() * b.Height()
}

// CenterX returns the x coordinate of the box center
func (b BBox) CenterX() float32 {
	return (b.X1 + b.X2) / 2
}

// CenterY returns the y coordinate of the box center
func (b BBox) CenterY() float32 {
	return (b.Y1 + b.Y2) / 2
}

// IoU calculates the Intersection over Union with another box
func (b BBox) IoU(other BBox) float32 {

	ix1 := max32(b.X1, other.X1)
	iy1 := max32(b.Y1, other.Y1)
	ix2 := min32(b.X2, other.X2)
	iy2 := min32(b.Y2, other.Y2)

	if ix2 < ix1 || iy2 < iy1 {
		return 0
	}

	intersection := (ix2 - ix1) * (iy2 - iy1)
	union := b.Area() + other.Area() - intersection

	if union <= 0 {
		return 0
	}

	return intersection / union
}

// Measurement is the Kalman observation space (x, y, s, r): box center,
// area s = w*h, and aspect ratio r = w/h
type Measurement [4]float32

// bboxToMeasurement converts a box into the (x, y, s, r) observation space
func bboxToMeasurement(b BBox) Measurement {

	x := b.CenterX()
	y := b.CenterY()
	s := b.Area()
	r := b.Width() / max32(b.Height(), 1e-6)

	return Measurement{x, y, s, r}
}

// measurementToBBox converts an (x, y, s, r) observation back into a box
func measurementToBBox(z Measurement) BBox {

	x := z[0]
	y := z[1]
	s := max32(z[2], 1e-6)
	r := max32(z[3], 1e-6)

	w := float32(math.Sqrt(float64(max32(0, s*r))))
	h := float32(0)

	if w > 0 {
		h = s / w
	}

	return BBox{x - w/2, y - h/2, x + w/2, y + h/2}
}

// measurementToXYWH converts an observation into center and side lengths
func measurementToXYWH(z Measurement) (x, y, w, h float32) {

	x = z[0]
	y = z[1]
	s := max32(z[2], 1e-6)
	r := max32(z[3], 1e-6)

	w = float32(math.Sqrt(float64(max32(0, s*r))))

	if w > 0 {
		h = s / w
	}

	return x, y, w, h
}

// xywhToMeasurement converts a center and side lengths into an observation
func xywhToMeasurement(x, y, w, h float32) Measurement {

	w = max32(w, 1e-6)
	h = max32(h, 1e-6)

	return Measurement{x, y, w * h, w / h}
}

// speedDirection returns the unit (dy, dx) direction between the centers of
// two boxes
func speedDirection(from, to BBox) [2]float32 {

	dx := to.CenterX() - from.CenterX()
	dy := to.CenterY() - from.CenterY()

	norm := float32(math.Sqrt(float64(dx*dx+dy*dy))) + 1e-6

	return [2]float32{dy / norm, dx / norm}
}

// max32 returns the larger of two float32 values
func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

// min32 returns the smaller of two float32 values
func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

// clamp32 restricts the value v to be within the range lo and hi
func clamp32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
