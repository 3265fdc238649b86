package reid

import (
	"math"
)

// Embedder turns an aligned face crop into an embedding vector.  The result
// need not be normalized; the extractor normalizes it.
type Embedder interface {
	Embed(rgb []uint8, width, height int) ([]float32, error)
}

// Extractor produces an L2-normalized embedding and a crop quality score for
// a detected face.  The box is in absolute pixel coordinates; landmarks, when
// present, enable canonical alignment.
type Extractor interface {
	Extract(rgb []uint8, width, height int, box [4]float32,
		landmarks *[5][2]float32) (feat []float32, ok bool, quality float32)
}

// Aligned is the standard Extractor: it aligns the face crop to the 112x112
// template when the landmarks allow, falls back to an expanded square crop
// otherwise, gates and sharpens on blur, and runs the wrapped Embedder.
type Aligned struct {
	embedder Embedder
}

// NewAligned returns an Extractor around the given embedding model
func NewAligned(embedder Embedder) *Aligned {
	return &Aligned{embedder: embedder}
}

// Extract computes the embedding for one face
func (a *Aligned) Extract(rgb []uint8, width, height int, box [4]float32,
	landmarks *[5][2]float32) ([]float32, bool, float32) {

	if a.embedder == nil || len(rgb) == 0 || width <= 0 || height <= 0 {
		return nil, false, 0
	}

	bw := maxf(1, box[2]-box[0])
	bh := maxf(1, box[3]-box[1])

	var aligned []uint8
	var quality float32

	if landmarks != nil && landmarksUsable(*landmarks, width, height) {
		if warped, ok := alignWithLandmarks(rgb, width, height, *landmarks); ok {
			aligned = warped
			quality = cropQuality(aligned, bw, bh, width, height)
		}
	}

	if aligned == nil {
		aligned = cropExpanded(rgb, width, height, box)
		// less trust without alignment
		quality = 0.75 * cropQuality(aligned, bw, bh, width, height)
	}

	blurVar := laplacianVariance(aligned)

	if blurVar < blurSkipVar {
		return nil, false, 0
	}

	if blurVar < blurSharpenVar {
		aligned = laplacianSharpen(aligned, sharpenAlpha)
		denom := maxf(1e-3, blurSharpenVar-blurSkipVar)
		quality *= clampf((blurVar-blurSkipVar)/denom, 0, 1)
	}

	feat, err := a.embedder.Embed(aligned, alignSize, alignSize)

	if err != nil || len(feat) != Dim {
		return nil, false, 0
	}

	return NormalizeVec(feat), true, clampf(quality, 0, 1)
}

// landmarksUsable validates landmark sanity: finite, inside the frame, and
// with a non-degenerate eye distance
func landmarksUsable(landmarks [5][2]float32, width, height int) bool {

	for i := 0; i < 5; i++ {
		lx := float64(landmarks[i][0])
		ly := float64(landmarks[i][1])
		if math.IsNaN(lx) || math.IsInf(lx, 0) || math.IsNaN(ly) || math.IsInf(ly, 0) {
			return false
		}
		if lx < 0 || lx > float64(width-1) || ly < 0 || ly > float64(height-1) {
			return false
		}
	}

	ex := landmarks[1][0] - landmarks[0][0]
	ey := landmarks[1][1] - landmarks[0][1]
	eyeDist := math.Sqrt(float64(ex*ex + ey*ey))

	return eyeDist >= 4
}
