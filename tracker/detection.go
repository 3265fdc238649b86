package tracker

// ReidDim is the length of appearance embedding vectors
const ReidDim = 128

// Detection represents a single observation of a face within a frame.  The
// bounding box is normalized to the image extent.
type Detection struct {
	// BBox is the normalized bounding box of the detection
	BBox BBox
	// Score is the detector confidence in [0,1].  A negative score is the
	// sentinel for "no prior observation"
	Score float32
	// Reid is an L2-normalized appearance embedding
	Reid []float32
	// HasReid indicates Reid holds a valid embedding
	HasReid bool
	// ReidQuality estimates how trustworthy the embedding crop was, in [0,1]
	ReidQuality float32
}

// noObservation returns the sentinel detection used where a track has no
// usable past observation
func noObservation() Detection {
	return Detection{
		BBox:  BBox{-1, -1, -1, -1},
		Score: -1,
	}
}

// TrackResult is what the engine emits per frame for a confirmed track
type TrackResult struct {
	// TrackID is the stable ID of the track
	TrackID int
	// BBox is the last observation when the track was updated this frame,
	// otherwise the predicted state
	BBox BBox
	// Confidence is the last detection score, decayed on prediction-only
	// frames
	Confidence float32
}
