package gmc

import (
	"image"

	"gocv.io/x/gocv"

	"github.com/pluginplay/faceblur/tracker"
)

// KeypointEstimator estimates a similarity warp from sparse keypoint flow:
// corners are detected on the previous frame, tracked into the current frame
// with pyramidal Lucas-Kanade, and a partial affine model is fit to the
// surviving pairs.  Estimation runs on a downscaled grayscale copy; the
// translation components are scaled back up afterwards.
type KeypointEstimator struct {
	downscale int
	// fallback is consulted when the keypoint fit fails, may be nil
	fallback Estimator
}

const (
	maxCorners    = 200
	cornerQuality = 0.01
	cornerMinDist = 7
	minInliers    = 8
)

// Name identifies the backend in diagnostics
func (e *KeypointEstimator) Name() string {
	return "keypoint"
}

// Estimate computes the prev-to-curr warp
func (e *KeypointEstimator) Estimate(currRGB []uint8, currW, currH int,
	prevRGB []uint8, prevW, prevH int) (tracker.Mat3, bool) {

	warp, ok := e.estimateKeypoint(currRGB, currW, currH, prevRGB, prevW, prevH)

	if !ok && e.fallback != nil {
		return e.fallback.Estimate(currRGB, currW, currH, prevRGB, prevW, prevH)
	}

	return warp, ok
}

func (e *KeypointEstimator) estimateKeypoint(currRGB []uint8, currW, currH int,
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

	prevGray, ok := toGrayDownscaled(prevRGB, prevW, prevH, dsW, dsH)
	if !ok {
		return warp, false
	}
	defer prevGray.Close()

	currGray, ok := toGrayDownscaled(currRGB, currW, currH, dsW, dsH)
	if !ok {
		return warp, false
	}
	defer currGray.Close()

	corners := gocv.NewMat()
	defer corners.Close()

	gocv.GoodFeaturesToTrack(prevGray, &corners, maxCorners, cornerQuality, cornerMinDist)

	if corners.Rows() < minInliers {
		return warp, false
	}

	nextPts := gocv.NewMat()
	defer nextPts.Close()
	status := gocv.NewMat()
	defer status.Close()
	flowErr := gocv.NewMat()
	defer flowErr.Close()

	gocv.CalcOpticalFlowPyrLK(prevGray, currGray, corners, nextPts, &status, &flowErr)

	var from, to []gocv.Point2f

	for i := 0; i < corners.Rows() && i < nextPts.Rows(); i++ {
		if status.Rows() <= i || status.GetUCharAt(i, 0) == 0 {
			continue
		}
		p := corners.GetVecfAt(i, 0)
		n := nextPts.GetVecfAt(i, 0)
		from = append(from, gocv.Point2f{X: p[0], Y: p[1]})
		to = append(to, gocv.Point2f{X: n[0], Y: n[1]})
	}

	if len(from) < minInliers {
		return warp, false
	}

	fromVec := gocv.NewPoint2fVectorFromPoints(from)
	defer fromVec.Close()
	toVec := gocv.NewPoint2fVectorFromPoints(to)
	defer toVec.Close()

	affine := gocv.EstimateAffinePartial2D(fromVec, toVec)
	defer affine.Close()

	if affine.Empty() || affine.Rows() != 2 || affine.Cols() != 3 {
		return warp, false
	}

	for r := 0; r < 2; r++ {
		for c := 0; c < 3; c++ {
			warp.Set(r, c, float32(affine.GetDoubleAt(r, c)))
		}
	}

	// undo the downscale on the translation components
	warp[2] *= float32(down)
	warp[5] *= float32(down)

	return warp, true
}

// toGrayDownscaled wraps a contiguous RGB buffer as a Mat, converts to
// grayscale and resizes to the downsampled working size
func toGrayDownscaled(rgb []uint8, w, h, dsW, dsH int) (gocv.Mat, bool) {

	src, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC3, rgb)
	if err != nil {
		return gocv.NewMat(), false
	}
	defer src.Close()

	gray := gocv.NewMat()
	gocv.CvtColor(src, &gray, gocv.ColorRGBToGray)

	scaled := gocv.NewMat()
	gocv.Resize(gray, &scaled, image.Pt(dsW, dsH), 0, 0, gocv.InterpolationLinear)
	gray.Close()

	return scaled, true
}
