package tracker

// Mat3 is a row-major 3x3 projective warp acting on 2D points.  The zero
// value is NOT the identity; use IdentityMat3.
type Mat3 [9]float32

// IdentityMat3 returns the identity warp
func IdentityMat3() Mat3 {
	return Mat3{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	}
}

// At returns the element at row r and column c
func (m Mat3) At(r, c int) float32 {
	return m[r*3+c]
}

// Set assigns the element at row r and column c
func (m *Mat3) Set(r, c int, v float32) {
	m[r*3+c] = v
}

// WarpPoint maps a 2D point through the warp.  A projective denominator with
// magnitude at or below 1e-6 falls back to the undivided numerators.
func (m Mat3) WarpPoint(x, y float32) (float32, float32) {

	nx := m[0]*x + m[1]*y + m[2]
	ny := m[3]*x + m[4]*y + m[5]
	den := m[6]*x + m[7]*y + m[8]

	if den >= -1e-6 && den <= 1e-6 {
		return nx, ny
	}

	return nx / den, ny / den
}

// WarpBBox maps a normalized box through the warp by transforming its four
// corners in pixel coordinates, re-axis-aligning with component-wise min/max
// and renormalizing by the image extent
func (m Mat3) WarpBBox(b BBox, width, height int) BBox {

	if width <= 0 || height <= 0 {
		return b
	}

	w := float32(width)
	h := float32(height)

	x1 := b.X1 * w
	y1 := b.Y1 * h
	x2 := b.X2 * w
	y2 := b.Y2 * h

	var px, py [4]float32
	px[0], py[0] = m.WarpPoint(x1, y1)
	px[1], py[1] = m.WarpPoint(x2, y1)
	px[2], py[2] = m.WarpPoint(x2, y2)
	px[3], py[3] = m.WarpPoint(x1, y2)

	minX, maxX := px[0], px[0]
	minY, maxY := py[0], py[0]

	for i := 1; i < 4; i++ {
		minX = min32(minX, px[i])
		maxX = max32(maxX, px[i])
		minY = min32(minY, py[i])
		maxY = max32(maxY, py[i])
	}

	return BBox{minX / w, minY / h, maxX / w, maxY / h}
}

// affineDet returns the determinant of the 2x2 affine part of the warp
func (m Mat3) affineDet() float32 {
	return m[0]*m[4] - m[1]*m[3]
}
