package reid

import (
	"math"
	"os"
	"strconv"
)

// Blur handling thresholds, overridable through the environment for field
// tuning without rebuilding.  Read once at process start.
var (
	// blurSharpenVar: crops with Laplacian variance below this are
	// sharpened before embedding
	blurSharpenVar = envFloat("FACE_PIPELINE_REID_BLUR_SHARPEN_VAR", 50)
	// blurSkipVar: crops below this are too blurred to embed at all
	blurSkipVar = envFloat("FACE_PIPELINE_REID_BLUR_SKIP_VAR", 12)
	// sharpenAlpha is the Laplacian sharpening strength
	sharpenAlpha = envFloat("FACE_PIPELINE_REID_LAPLACIAN_ALPHA", 0.6)
)

// envFloat reads a float from the environment, falling back on empty or
// unparseable values
func envFloat(name string, fallback float32) float32 {

	v := os.Getenv(name)

	if v == "" {
		return fallback
	}

	f, err := strconv.ParseFloat(v, 32)

	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fallback
	}

	return float32(f)
}

// luma returns the Rec.601 luma of an RGB pixel
func luma(r, g, b uint8) float32 {
	return 0.299*float32(r) + 0.587*float32(g) + 0.114*float32(b)
}

// lumaAt returns the luma of the pixel starting at idx
func lumaAt(rgb []uint8, idx int) float32 {
	return luma(rgb[idx], rgb[idx+1], rgb[idx+2])
}

// laplacianVariance measures sharpness of an aligned crop as the variance of
// the 4-neighbor Laplacian over the interior pixels
func laplacianVariance(aligned []uint8) float32 {

	const w = alignSize
	const h = alignSize

	if len(aligned) < w*h*3 {
		return 0
	}

	var sum, sumSq float64
	count := 0

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			idx := (y*w + x) * 3
			c := lumaAt(aligned, idx)
			n := lumaAt(aligned, idx-w*3)
			s := lumaAt(aligned, idx+w*3)
			wl := lumaAt(aligned, idx-3)
			e := lumaAt(aligned, idx+3)
			lap := float64(4*c - n - s - wl - e)
			sum += lap
			sumSq += lap * lap
			count++
		}
	}

	if count <= 0 {
		return 0
	}

	mean := sum / float64(count)
	variance := sumSq/float64(count) - mean*mean

	if variance < 0 {
		variance = 0
	}

	return float32(variance)
}

// laplacianSharpen returns a sharpened copy of an aligned crop, leaving the
// border pixels unchanged
func laplacianSharpen(src []uint8, alpha float32) []uint8 {

	const w = alignSize
	const h = alignSize

	dst := make([]uint8, len(src))
	copy(dst, src)

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			idx := (y*w + x) * 3
			c := lumaAt(src, idx)
			n := lumaAt(src, idx-w*3)
			s := lumaAt(src, idx+w*3)
			wl := lumaAt(src, idx-3)
			e := lumaAt(src, idx+3)
			lap := 4*c - n - s - wl - e
			for ch := 0; ch < 3; ch++ {
				v := float32(src[idx+ch]) + alpha*lap
				dst[idx+ch] = uint8(clampf(v, 0, 255))
			}
		}
	}

	return dst
}

// cropQuality scores an aligned crop in [0,1] from the face size relative to
// the frame, the crop brightness and its gradient sharpness.  Size
// dominates; the other terms stabilize the score in dim scenes.
func cropQuality(aligned []uint8, boxW, boxH float32, imgW, imgH int) float32 {

	minDim := float32(maxi(1, mini(imgW, imgH)))
	diagNorm := float32(math.Sqrt(float64(maxf(1, boxW*boxH)))) / minDim
	sizeScore := clampf((diagNorm-0.03)/(0.15-0.03), 0, 1)

	const w = alignSize
	const h = alignSize

	var meanL, meanGrad float64

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := (y*w + x) * 3
			l := lumaAt(aligned, idx)
			meanL += float64(l)

			if x+1 < w {
				meanGrad += math.Abs(float64(lumaAt(aligned, idx+3) - l))
			}
			if y+1 < h {
				meanGrad += math.Abs(float64(lumaAt(aligned, idx+w*3) - l))
			}
		}
	}

	meanL /= float64(w * h)
	meanGrad /= float64((w-1)*h + (h-1)*w)

	brightnessScore := clampf((float32(meanL)-40)/(180-40), 0, 1)
	sharpnessScore := clampf((float32(meanGrad)-2)/10, 0, 1)

	return clampf(0.50*sizeScore+0.25*brightnessScore+0.25*sharpnessScore, 0, 1)
}

// mini returns the smaller of two ints
func mini(a, b int) int {
	if a < b {
		return a
	}
	return b
}
