// Package detect defines the face detector interface and the SCRFD
// implementation used by the tracking pipeline.
package detect

// Face is a single detector hit in absolute pixel coordinates
type Face struct {
	// Box is the bounding box as x1, y1, x2, y2 in pixels
	Box [4]float32
	// Score is the detector confidence in [0,1]
	Score float32
	// Landmarks are the 5 facial keypoints (both eyes, nose tip, both
	// mouth corners) in pixels
	Landmarks [5][2]float32
	// HasLandmarks indicates the landmark values are valid
	HasLandmarks bool
}

// Detector produces per-frame face detections from a contiguous RGB buffer.
// Implementations apply their configured confidence threshold before
// returning, so callers never see sub-threshold hits.
type Detector interface {
	Detect(rgb []uint8, width, height int) ([]Face, error)
}
