// Package pipeline drives the offline face tracking pass: sparse detection
// sampling over an ordered frame list, per-frame OC-SORT updates with global
// motion compensation, and offline tracklet linking into the final track
// list.
package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/pluginplay/faceblur/detect"
	"github.com/pluginplay/faceblur/gmc"
	"github.com/pluginplay/faceblur/reid"
	"github.com/pluginplay/faceblur/tracker"
)

// detectionNMSIoU suppresses duplicate detector boxes on the same face
// before they reach the tracker
const detectionNMSIoU = 0.30

// minOutputConfidence drops ultra-low-confidence predictions so ghost boxes
// do not linger in the output
const minOutputConfidence = 0.05

// minTrackFrames is the minimum merged track length kept in the output
const minTrackFrames = 10

// Config holds the pipeline tuning parameters
type Config struct {
	// ConfThresh is the detection confidence threshold
	ConfThresh float32
	// IoUThresh is the tracker association gate
	IoUThresh float32
	// DetectionFPS is the detector sampling rate
	DetectionFPS float32
	// VideoFPS is the source video frame rate
	VideoFPS float32
	// UseReid enables appearance matching and offline linking
	UseReid bool
	// ReidWeight is the appearance weight in association
	ReidWeight float32
	// ReidCosThresh is the appearance cosine gate
	ReidCosThresh float32
}

// DefaultConfig returns the pipeline defaults:
// - Confidence threshold: 0.5
// - Tracking IoU threshold: 0.15
// - Detection FPS: 5.0
// - Video FPS: 30.0
// - ReID weight 0.35, cosine gate 0.35 (when enabled)
func DefaultConfig() Config {
	return Config{
		ConfThresh:    0.5,
		IoUThresh:     0.15,
		DetectionFPS:  5.0,
		VideoFPS:      30.0,
		ReidWeight:    0.35,
		ReidCosThresh: 0.35,
	}
}

// FrameLoader decodes the image at path into a contiguous RGB buffer
type FrameLoader func(path string) (rgb []uint8, width, height int, err error)

// TrackFrame is one frame of a face track
type TrackFrame struct {
	// FrameIndex is the position of the frame in the input list
	FrameIndex int
	// BBox is normalized to [0,1]
	BBox tracker.BBox
	// Confidence is in [0,1]
	Confidence float32
}

// FaceTrack is a final output track: frame entries sorted by strictly
// increasing frame index
type FaceTrack struct {
	ID     int
	Frames []TrackFrame
}

// Result is the output of a tracking run
type Result struct {
	Tracks     []FaceTrack
	FrameCount int
}

// Pipeline wires the detector, frame loader, motion estimator and optional
// appearance extractor around an OC-SORT engine
type Pipeline struct {
	cfg       Config
	detector  detect.Detector
	loader    FrameLoader
	extractor reid.Extractor
	motion    gmc.Estimator
}

// New returns a Pipeline over the given detector and frame loader.  Motion
// compensation defaults to the automatic estimator; appearance matching is
// off until UseReID is called.
func New(cfg Config, detector detect.Detector, loader FrameLoader) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		detector: detector,
		loader:   loader,
		motion:   gmc.NewEstimator(gmc.Config{}),
	}
}

// UseReID enables appearance extraction and offline appearance linking
func (p *Pipeline) UseReID(extractor reid.Extractor) {
	p.extractor = extractor
	p.cfg.UseReid = true
}

// UseMotionEstimator replaces the global motion estimator
func (p *Pipeline) UseMotionEstimator(e gmc.Estimator) {
	p.motion = e
}

// DetectFrame runs the detector on one decoded frame and returns normalized
// tracker detections with embeddings attached when ReID is enabled.  A small
// NMS pass removes duplicate detector boxes on the same face.
func (p *Pipeline) DetectFrame(rgb []uint8, width, height int) []tracker.Detection {

	faces, err := p.detector.Detect(rgb, width, height)

	if err != nil {
		// adaptor failure: the frame simply has no detections
		return nil
	}

	w := float32(width)
	h := float32(height)
	dets := make([]tracker.Detection, 0, len(faces))

	for _, face := range faces {

		det := tracker.Detection{
			BBox: tracker.BBox{
				X1: face.Box[0] / w,
				Y1: face.Box[1] / h,
				X2: face.Box[2] / w,
				Y2: face.Box[3] / h,
			},
			Score: face.Score,
		}

		if p.cfg.UseReid && p.extractor != nil {
			var landmarks *[5][2]float32
			if face.HasLandmarks {
				lm := face.Landmarks
				landmarks = &lm
			}
			feat, ok, quality := p.extractor.Extract(rgb, width, height,
				face.Box, landmarks)
			// embeddings may still serve association at low quality; the
			// tracker gates its appearance bank separately
			det.Reid = feat
			det.HasReid = ok
			det.ReidQuality = quality
		}

		dets = append(dets, det)
	}

	return nmsDetections(dets, detectionNMSIoU)
}

// Process runs detection and tracking over the ordered frame list and
// returns the linked track set.  Cancellation is honored between frames.
func (p *Pipeline) Process(ctx context.Context, imagePaths []string) (*Result, error) {

	result := &Result{FrameCount: len(imagePaths)}

	if len(imagePaths) == 0 {
		return nil, fmt.Errorf("no image paths provided")
	}

	stride := int(p.cfg.VideoFPS / p.cfg.DetectionFPS)
	if stride < 1 {
		stride = 1
	}

	var reidStats reidHealth

	// phase 1: detect on sampled frames
	detections := make(map[int][]tracker.Detection)

	for i := 0; i < result.FrameCount; i += stride {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.detectAt(imagePaths, i, detections, &reidStats)
	}

	// the last frame always gets a detection pass
	lastFrame := result.FrameCount - 1
	if _, ok := detections[lastFrame]; !ok {
		p.detectAt(imagePaths, lastFrame, detections, &reidStats)
	}

	// phase 2: track every frame in order
	params := tracker.Params{
		IoUThresh: p.cfg.IoUThresh,
		// 3 seconds at 30fps: tracks survive long occlusion gaps
		MaxAge: 90,
		// single detections may seed tracks; short ones are filtered later
		MinHits:       1,
		DeltaT:        3,
		Inertia:       0.2,
		UseReid:       p.cfg.UseReid,
		ReidWeight:    p.cfg.ReidWeight,
		ReidCosThresh: p.cfg.ReidCosThresh,
	}
	engine := tracker.NewOCSort(params)

	trackData := make(map[int][]TrackFrame)

	var prevRGB []uint8
	var prevW, prevH int
	prevOK := false
	gmcAttempts := 0
	gmcOK := 0
	framesLoaded := 0

	for i := 0; i < result.FrameCount; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		curRGB, curW, curH, err := p.loader(imagePaths[i])
		curOK := err == nil
		if curOK {
			framesLoaded++
		}

		var warp *tracker.Mat3

		if i > 0 && prevOK && curOK {
			gmcAttempts++
			if w, ok := p.motion.Estimate(curRGB, curW, curH, prevRGB, prevW, prevH); ok {
				gmcOK++
				warp = &w
			}
		}

		frameDets := detections[i]

		width, height := 0, 0
		if curOK {
			width, height = curW, curH
		}

		active := engine.Update(frameDets, true, warp, width, height)

		prevRGB, prevW, prevH, prevOK = curRGB, curW, curH, curOK

		for _, tr := range active {
			bbox := clampBBox01(tr.BBox)

			// skip degenerate boxes and lingering low-confidence ghosts
			if bbox.Width() < 0.01 || bbox.Height() < 0.01 {
				continue
			}
			if tr.Confidence < minOutputConfidence {
				continue
			}

			trackData[tr.TrackID] = append(trackData[tr.TrackID], TrackFrame{
				FrameIndex: i,
				BBox:       bbox,
				Confidence: tr.Confidence,
			})
		}
	}

	if logGMC {
		okRatio := float32(0)
		if gmcAttempts > 0 {
			okRatio = float32(gmcOK) / float32(gmcAttempts)
		}
		backend := "unknown"
		if named, ok := p.motion.(interface{ Name() string }); ok {
			backend = named.Name()
		}
		diagLog.Printf("GMC: backend=%s frames_loaded=%d/%d attempts=%d ok=%d ok_ratio=%.3f",
			backend, framesLoaded, result.FrameCount, gmcAttempts, gmcOK, okRatio)
	}

	if p.cfg.UseReid && logReid {
		reidStats.log()
	}

	// phase 3: offline tracklet linking, merge, filter
	var appearances map[int][]float32

	if p.cfg.UseReid {
		appearances = engine.TakeFinishedAppearances()
		for id, app := range engine.ActiveAppearances() {
			appearances[id] = app
		}
	}

	merged := p.linkTracklets(trackData, appearances)

	result.Tracks = make([]FaceTrack, 0, len(merged))

	for id, frames := range merged {
		if len(frames) < minTrackFrames {
			continue
		}

		// tracks that are mostly low-confidence predictions are noise
		highConf := 0
		for _, f := range frames {
			if f.Confidence >= p.cfg.ConfThresh {
				highConf++
			}
		}
		fracHigh := float32(highConf) / float32(len(frames))
		if highConf < 3 || fracHigh < 0.15 {
			continue
		}

		result.Tracks = append(result.Tracks, FaceTrack{ID: id, Frames: frames})
	}

	sort.Slice(result.Tracks, func(i, j int) bool {
		return result.Tracks[i].ID < result.Tracks[j].ID
	})

	return result, nil
}

// detectAt loads one frame, runs detection and records the results
func (p *Pipeline) detectAt(imagePaths []string, i int,
	detections map[int][]tracker.Detection, stats *reidHealth) {

	rgb, w, h, err := p.loader(imagePaths[i])

	if err != nil {
		// undecodable frame: skipped, tracking continues
		return
	}

	dets := p.DetectFrame(rgb, w, h)

	if p.cfg.UseReid {
		stats.observe(dets)
	}

	if len(dets) > 0 {
		detections[i] = dets
	}
}

// clampBBox01 restricts a box to the normalized image extent
func clampBBox01(b tracker.BBox) tracker.BBox {
	return tracker.BBox{
		X1: clamp01(b.X1),
		Y1: clamp01(b.Y1),
		X2: clamp01(b.X2),
		Y2: clamp01(b.Y2),
	}
}

// clamp01 restricts v to [0,1]
func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// nmsDetections greedily suppresses lower-scored detections overlapping a
// kept one by more than the threshold
func nmsDetections(dets []tracker.Detection, iouThresh float32) []tracker.Detection {

	if len(dets) <= 1 {
		return dets
	}

	sorted := make([]tracker.Detection, len(dets))
	copy(sorted, dets)

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	kept := make([]tracker.Detection, 0, len(sorted))

	for _, d := range sorted {
		suppressed := false
		for _, k := range kept {
			if d.BBox.IoU(k.BBox) > iouThresh {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, d)
		}
	}

	return kept
}
