package gmc

import (
	"math"

	"github.com/pluginplay/faceblur/tracker"
)

// TranslationEstimator is a dependency-free fallback that brute-force
// searches an integer translation on a downsampled luma grid.  A candidate
// shift must beat the identity by at least 1% in summed absolute difference,
// with a small quadratic penalty favoring smaller motions.
type TranslationEstimator struct {
	downscale int
}

const (
	// maxShiftDS is the search range in downsampled pixels
	maxShiftDS = 8
	// stepDS is the sampling stride on the downsampled grid
	stepDS = 12
	// marginDS keeps samples away from the frame boundary
	marginDS = 8
)

// Name identifies the backend in diagnostics
func (e *TranslationEstimator) Name() string {
	return "translation"
}

// Estimate searches for a translation warp between the two frames
func (e *TranslationEstimator) Estimate(currRGB []uint8, currW, currH int,
	prevRGB []uint8, prevW, prevH int) (tracker.Mat3, bool) {

	warp := tracker.IdentityMat3()

	if len(currRGB) == 0 || len(prevRGB) == 0 {
		return warp, false
	}
	if currW <= 0 || currH <= 0 || currW != prevW || currH != prevH {
		return warp, false
	}

	down := e.downscale
	if down < 1 {
		down = 4
	}

	dsW := currW / down
	dsH := currH / down

	if dsW < 32 || dsH < 32 {
		return warp, false
	}

	sadFor := func(dxDS, dyDS int, bestSoFar uint64) uint64 {
		var sad uint64
		y0, y1 := marginDS, dsH-marginDS
		x0, x1 := marginDS, dsW-marginDS

		for y := y0; y < y1; y += stepDS {
			y2 := y + dyDS
			if y2 < y0 || y2 >= y1 {
				continue
			}
			py := y * down
			cy := y2 * down

			for x := x0; x < x1; x += stepDS {
				x2 := x + dxDS
				if x2 < x0 || x2 >= x1 {
					continue
				}
				px := x * down
				cx := x2 * down

				p := lumaU8(prevRGB, (py*currW+px)*3)
				c := lumaU8(currRGB, (cy*currW+cx)*3)

				d := int(p) - int(c)
				if d < 0 {
					d = -d
				}
				sad += uint64(d)

				if sad >= bestSoFar {
					return sad // early stop
				}
			}
		}
		return sad
	}

	sad0 := sadFor(0, 0, math.MaxUint64)
	if sad0 == 0 {
		return warp, false
	}

	best := sad0
	bestDxDS, bestDyDS := 0, 0

	for dy := -maxShiftDS; dy <= maxShiftDS; dy++ {
		for dx := -maxShiftDS; dx <= maxShiftDS; dx++ {
			// favor smaller motion slightly to reduce jitter in
			// ambiguous cases
			penalty := uint64((dx*dx + dy*dy) * 4)
			sad := sadFor(dx, dy, best) + penalty
			if sad < best {
				best = sad
				bestDxDS = dx
				bestDyDS = dy
			}
		}
	}

	improvement := (float64(sad0) - float64(best)) / float64(sad0)

	if !(improvement >= 0.01) {
		return warp, false
	}

	warp[2] = float32(bestDxDS * down)
	warp[5] = float32(bestDyDS * down)

	return warp, true
}

// lumaU8 is an integer approximation of BT.601 luma:
// 0.299 R + 0.587 G + 0.114 B
func lumaU8(rgb []uint8, idx int) uint8 {
	r := int(rgb[idx])
	g := int(rgb[idx+1])
	b := int(rgb[idx+2])
	return uint8((77*r + 150*g + 29*b + 128) >> 8)
}
