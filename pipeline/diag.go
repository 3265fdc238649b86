package pipeline

import (
	"log"
	"math"
	"os"

	"github.com/pluginplay/faceblur/tracker"
)

// Diagnostic switches, read once at process start.  They only control
// logging on stderr; no tracking behavior depends on them.
var (
	diagLog      = log.New(os.Stderr, "", 0)
	logGMC       = os.Getenv("FACE_PIPELINE_LOG_GMC") != ""
	logReid      = os.Getenv("FACE_PIPELINE_LOG_REID") != ""
	logReidCands = os.Getenv("FACE_PIPELINE_LOG_REID_CANDS") != ""
)

// reidHealth accumulates embedding extraction statistics across detection
// frames
type reidHealth struct {
	attempted int
	kept      int
	qSum      float64
	qMin      float64
	qMax      float64
}

// observe folds one frame's detections into the counters
func (r *reidHealth) observe(dets []tracker.Detection) {

	for _, d := range dets {
		if r.attempted == 0 {
			r.qMin = math.Inf(1)
			r.qMax = math.Inf(-1)
		}
		r.attempted++
		r.qSum += float64(d.ReidQuality)
		r.qMin = math.Min(r.qMin, float64(d.ReidQuality))
		r.qMax = math.Max(r.qMax, float64(d.ReidQuality))
		if d.HasReid {
			r.kept++
		}
	}
}

// log emits the accumulated statistics on stderr
func (r *reidHealth) log() {

	meanQ := 0.0
	keptRatio := 0.0

	if r.attempted > 0 {
		meanQ = r.qSum / float64(r.attempted)
		keptRatio = float64(r.kept) / float64(r.attempted)
	}

	qMin, qMax := 0.0, 0.0
	if !math.IsInf(r.qMin, 0) {
		qMin = r.qMin
	}
	if !math.IsInf(r.qMax, 0) {
		qMax = r.qMax
	}

	diagLog.Printf("ReID: attempted=%d kept=%d kept_ratio=%.3f q_mean=%.3f q_min=%.3f q_max=%.3f",
		r.attempted, r.kept, keptRatio, meanQ, qMin, qMax)
}
