package reid

import (
	"math"
)

// alignSize is the side length of the aligned square crop the embedding
// models expect
const alignSize = 112

// arcFaceTemplate is the canonical 5-point landmark layout of a 112x112
// aligned face crop
var arcFaceTemplate = [5][2]float32{
	{38.2946, 51.6963},
	{73.5318, 51.5014},
	{56.0252, 71.7366},
	{41.5493, 92.3655},
	{70.7299, 92.2041},
}

// similarity2x3 is a 2D similarity transform:
//
//	[ a -b tx ]
//	[ b  a ty ]
type similarity2x3 struct {
	a, b, tx, ty float32
}

// estimateSimilarity5pt fits the least-squares similarity transform mapping
// src onto dst (dst ~= s*R*src + t)
func estimateSimilarity5pt(src, dst [5][2]float32) (similarity2x3, bool) {

	var out similarity2x3
	var sxm, sym, dxm, dym float32

	for i := 0; i < 5; i++ {
		sxm += src[i][0]
		sym += src[i][1]
		dxm += dst[i][0]
		dym += dst[i][1]
	}

	sxm /= 5
	sym /= 5
	dxm /= 5
	dym /= 5

	var a, b, den float64

	for i := 0; i < 5; i++ {
		xs := float64(src[i][0] - sxm)
		ys := float64(src[i][1] - sym)
		xd := float64(dst[i][0] - dxm)
		yd := float64(dst[i][1] - dym)
		a += xd*xs + yd*ys
		b += yd*xs - xd*ys
		den += xs*xs + ys*ys
	}

	if !(den > 1e-8) {
		return out, false
	}

	r := math.Sqrt(a*a + b*b)

	if !(r > 1e-12) {
		return out, false
	}

	scale := r / den
	c := a / r
	s := b / r

	out.a = float32(scale * c)
	out.b = float32(scale * s)
	out.tx = dxm - out.a*sxm + out.b*sym
	out.ty = dym - out.b*sxm - out.a*sym

	for _, v := range []float32{out.a, out.b, out.tx, out.ty} {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return out, false
		}
	}

	return out, true
}

// invert returns the inverse similarity transform
func (m similarity2x3) invert() similarity2x3 {

	det := m.a*m.a + m.b*m.b

	if !(det > 1e-12) {
		return similarity2x3{a: 1}
	}

	p := m.a / det
	q := -m.b / det

	return similarity2x3{
		a:  p,
		b:  q,
		tx: -(p*m.tx - q*m.ty),
		ty: -(q*m.tx + p*m.ty),
	}
}

// apply maps a point through the transform
func (m similarity2x3) apply(x, y float32) (float32, float32) {
	return m.a*x - m.b*y + m.tx, m.b*x + m.a*y + m.ty
}

// sampleBilinearRGB samples the RGB buffer at a fractional position,
// clamping to the image bounds
func sampleBilinearRGB(rgb []uint8, w, h int, x, y float32, out []uint8) {

	x = clampf(x, 0, float32(w-1))
	y = clampf(y, 0, float32(h-1))

	x0 := int(math.Floor(float64(x)))
	y0 := int(math.Floor(float64(y)))
	x1 := x0 + 1
	y1 := y0 + 1

	if x1 > w-1 {
		x1 = w - 1
	}
	if y1 > h-1 {
		y1 = h - 1
	}

	dx := x - float32(x0)
	dy := y - float32(y0)

	idx00 := (y0*w + x0) * 3
	idx10 := (y0*w + x1) * 3
	idx01 := (y1*w + x0) * 3
	idx11 := (y1*w + x1) * 3

	for c := 0; c < 3; c++ {
		v00 := float32(rgb[idx00+c])
		v10 := float32(rgb[idx10+c])
		v01 := float32(rgb[idx01+c])
		v11 := float32(rgb[idx11+c])
		v0 := v00 + (v10-v00)*dx
		v1 := v01 + (v11-v01)*dx
		v := v0 + (v1-v0)*dy
		out[c] = uint8(clampf(v, 0, 255))
	}
}

// alignWithLandmarks warps the face region into the canonical 112x112 crop
// using the similarity transform between the detected landmarks and the
// template
func alignWithLandmarks(rgb []uint8, w, h int, landmarks [5][2]float32) ([]uint8, bool) {

	m, ok := estimateSimilarity5pt(landmarks, arcFaceTemplate)

	if !ok {
		return nil, false
	}

	inv := m.invert() // maps template coordinates back to source pixels
	aligned := make([]uint8, alignSize*alignSize*3)
	px := make([]uint8, 3)

	for v := 0; v < alignSize; v++ {
		for u := 0; u < alignSize; u++ {
			x, y := inv.apply(float32(u), float32(v))
			sampleBilinearRGB(rgb, w, h, x, y, px)
			idx := (v*alignSize + u) * 3
			aligned[idx] = px[0]
			aligned[idx+1] = px[1]
			aligned[idx+2] = px[2]
		}
	}

	return aligned, true
}

// cropExpanded samples a squared, padded bbox region into the canonical
// 112x112 crop.  Used when no usable landmarks are available.
func cropExpanded(rgb []uint8, w, h int, box [4]float32) []uint8 {

	bw := maxf(1, box[2]-box[0])
	bh := maxf(1, box[3]-box[1])
	cx := (box[0] + box[2]) / 2
	cy := (box[1] + box[3]) / 2
	side := maxf(bw, bh) * 1.30

	roiX := clampi(int(math.Floor(float64(cx-side/2))), 0, w-1)
	roiY := clampi(int(math.Floor(float64(cy-side/2))), 0, h-1)
	roiW := clampi(int(math.Ceil(float64(side))), 1, w-roiX)
	roiH := clampi(int(math.Ceil(float64(side))), 1, h-roiY)

	aligned := make([]uint8, alignSize*alignSize*3)
	px := make([]uint8, 3)

	for v := 0; v < alignSize; v++ {
		for u := 0; u < alignSize; u++ {
			fx := float32(u) / float32(alignSize-1)
			fy := float32(v) / float32(alignSize-1)
			x := float32(roiX) + fx*float32(maxi(1, roiW-1))
			y := float32(roiY) + fy*float32(maxi(1, roiH-1))
			sampleBilinearRGB(rgb, w, h, x, y, px)
			idx := (v*alignSize + u) * 3
			aligned[idx] = px[0]
			aligned[idx+1] = px[1]
			aligned[idx+2] = px[2]
		}
	}

	return aligned
}

// clampf restricts v to the range lo..hi
func clampf(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// clampi restricts v to the range lo..hi
func clampi(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// maxf returns the larger of two float32 values
func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

// maxi returns the larger of two ints
func maxi(a, b int) int {
	if a > b {
		return a
	}
	return b
}
