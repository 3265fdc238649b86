// Package tracker implements an observation-centric multi-object tracker
// (OC-SORT) for face bounding boxes: a per-track constant-velocity Kalman
// filter with occlusion re-update, a two-pass association engine on top of a
// Hungarian solver, and the supporting box, warp and assignment primitives.
package tracker

import (
	"math"
	"sort"

	"github.com/pluginplay/faceblur/reid"
)

// ConfirmGate selects which counter confirms a track for emission
type ConfirmGate int

const (
	// GateAuto confirms on hit streak normally, and on total hits when the
	// engine also emits predictions (returnAll).  Sparse-detection pipelines
	// would otherwise unconfirm tracks on every prediction-only frame.
	GateAuto ConfirmGate = iota
	// GateHitStreak always confirms on consecutive matched frames
	GateHitStreak
	// GateTotalHits always confirms on total matched frames
	GateTotalHits
)

// Params configures an OCSort engine.  Parameters are immutable for the
// lifetime of the engine.
type Params struct {
	// IoUThresh is the minimum IoU for a detection/track pair to be
	// considered at all
	IoUThresh float32
	// MaxAge is how many frames a track survives without a matched
	// detection
	MaxAge int
	// MinHits is the confirmation threshold
	MinHits int
	// DeltaT is the momentum (OCM) lookback in frames
	DeltaT int
	// Inertia weights the momentum term in the association score
	Inertia float32
	// UseReid enables appearance terms in both association passes
	UseReid bool
	// ReidWeight weights the appearance term
	ReidWeight float32
	// ReidCosThresh is the minimum cosine similarity before appearance is
	// allowed to contribute
	ReidCosThresh float32
	// Gate selects the confirmation counter
	Gate ConfirmGate
}

// DefaultParams returns the engine defaults used for general online
// tracking:
// - IoU Threshold: 0.15
// - Max Age: 30
// - Min Hits: 3
// - Delta T: 3
// - Inertia: 0.2
// - ReID weight 0.35, cosine gate 0.35 (when enabled)
func DefaultParams() Params {
	return Params{
		IoUThresh:     0.15,
		MaxAge:        30,
		MinHits:       3,
		DeltaT:        3,
		Inertia:       0.2,
		ReidWeight:    0.35,
		ReidCosThresh: 0.35,
	}
}

// OCSort associates per-frame detections to a pool of Kalman box trackers
// using a primary IoU+momentum+appearance pass and a secondary
// observation-centric recovery pass
type OCSort struct {
	params     Params
	trackers   []*KalmanBoxTracker
	frameCount int
	nextID     int
	// finishedAppearances keeps the appearance prototypes of retired
	// tracks for offline tracklet linking, drained exactly once
	finishedAppearances map[int][]float32
}

// NewOCSort initializes and returns a new OCSort engine
func NewOCSort(p Params) *OCSort {
	return &OCSort{
		params:              p,
		finishedAppearances: make(map[int][]float32),
	}
}

// Reset clears the tracked data and resets everything
func (o *OCSort) Reset() {
	o.trackers = nil
	o.frameCount = 0
	o.nextID = 0
	o.finishedAppearances = make(map[int][]float32)
}

// Update advances the engine one frame: predict all trackers, optionally
// apply a prev-to-curr camera warp, run both association passes, update or
// spawn trackers, retire expired ones, and emit confirmed tracks sorted by
// ascending track ID.  When returnAll is set, prediction-only frames are
// emitted too.
func (o *OCSort) Update(detections []Detection, returnAll bool,
	warp *Mat3, frameWidth, frameHeight int) []TrackResult {

	o.frameCount++

	for _, t := range o.trackers {
		t.Predict()
	}

	if warp != nil && frameWidth > 0 && frameHeight > 0 {
		for _, t := range o.trackers {
			t.ApplyWarp(*warp, frameWidth, frameHeight)
		}
	}

	matched, unmatchedDets, unmatchedTrks := o.associate(detections)

	for _, m := range matched {
		det := detections[m[0]]
		o.trackers[m[1]].Update(&det)
	}

	// second pass: observation-centric recovery over the leftovers
	ocrMatches, unmatchedDets, unmatchedTrks := o.associateOCR(detections,
		unmatchedDets, unmatchedTrks)

	for _, m := range ocrMatches {
		det := detections[m[0]]
		o.trackers[m[1]].Update(&det)
	}

	// unmatched trackers still need the missed-frame bookkeeping for ORU
	for _, ti := range unmatchedTrks {
		o.trackers[ti].Update(nil)
	}

	for _, di := range unmatchedDets {
		o.trackers = append(o.trackers,
			NewKalmanBoxTracker(detections[di], o.nextID, o.params.DeltaT))
		o.nextID++
	}

	// retire expired trackers, keeping their appearance for offline linking
	kept := o.trackers[:0]
	for _, t := range o.trackers {
		if t.TimeSinceUpdate() > o.params.MaxAge {
			if t.HasAppearance() {
				o.finishedAppearances[t.TrackID()] = t.Appearance()
			}
			continue
		}
		kept = append(kept, t)
	}
	o.trackers = kept

	return o.emit(returnAll)
}

// emit collects the confirmed tracks for the current frame
func (o *OCSort) emit(returnAll bool) []TrackResult {

	results := make([]TrackResult, 0, len(o.trackers))

	for _, t := range o.trackers {

		if !o.confirmed(t, returnAll) {
			continue
		}

		// by default only tracks updated this frame are emitted
		if !returnAll && t.TimeSinceUpdate() >= 1 {
			continue
		}

		outBox := t.GetState()
		conf := float32(1.0)

		if last := t.LastObservation(); last.Score >= 0 {
			conf = last.Score
			if t.TimeSinceUpdate() == 0 {
				outBox = last.BBox
			}
		}

		if tsu := t.TimeSinceUpdate(); tsu > 0 {
			conf *= max32(0, 1-0.05*float32(tsu))
		}

		results = append(results, TrackResult{
			TrackID:    t.TrackID(),
			BBox:       outBox,
			Confidence: conf,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].TrackID < results[j].TrackID
	})

	return results
}

// confirmed applies the configured confirmation gate.  During the first
// MinHits frames of the session every track counts as confirmed.
func (o *OCSort) confirmed(t *KalmanBoxTracker, returnAll bool) bool {

	if o.frameCount <= o.params.MinHits {
		return true
	}

	gate := o.params.Gate

	if gate == GateAuto {
		if returnAll {
			gate = GateTotalHits
		} else {
			gate = GateHitStreak
		}
	}

	if gate == GateTotalHits {
		return t.Hits() >= o.params.MinHits
	}

	return t.HitStreak() >= o.params.MinHits
}

// associate runs the primary association pass: IoU plus momentum (OCM) plus
// a gated appearance bonus, solved as a maximization via the Hungarian
// solver.  Returns matched (detection, tracker) index pairs and the leftover
// indices on both sides.
func (o *OCSort) associate(detections []Detection) (matched [][2]int,
	unmatchedDets, unmatchedTrks []int) {

	nDets := len(detections)
	nTrks := len(o.trackers)

	if nTrks == 0 {
		for d := 0; d < nDets; d++ {
			unmatchedDets = append(unmatchedDets, d)
		}
		return nil, unmatchedDets, nil
	}

	if nDets == 0 {
		for t := 0; t < nTrks; t++ {
			unmatchedTrks = append(unmatchedTrks, t)
		}
		return nil, nil, unmatchedTrks
	}

	predicted := make([]BBox, nTrks)
	for t, trk := range o.trackers {
		predicted[t] = trk.GetState()
	}

	iouMatrix := make([][]float32, nDets)
	scoreMatrix := make([][]float32, nDets)
	maxCombined := float32(math.Inf(-1))

	for d := 0; d < nDets; d++ {
		iouMatrix[d] = make([]float32, nTrks)
		scoreMatrix[d] = make([]float32, nTrks)

		for t := 0; t < nTrks; t++ {
			iou := detections[d].BBox.IoU(predicted[t])
			iouMatrix[d][t] = iou

			prevObs := o.trackers[t].KPreviousObservation(o.params.DeltaT)
			angleCost := float32(0)

			if prevObs.Score >= 0 {
				inertiaDir := o.trackers[t].VelocityDir() // (dy, dx)
				dir := speedDirection(prevObs.BBox, detections[d].BBox)
				cosv := clamp32(inertiaDir[1]*dir[1]+inertiaDir[0]*dir[0], -1, 1)
				angle := float32(math.Acos(float64(cosv)))
				diff := (math.Pi/2 - float32(math.Abs(float64(angle)))) / math.Pi
				angleCost = diff * o.params.Inertia * detections[d].Score
			}

			combined := iou + angleCost
			reidBonus := float32(0)

			// geometry-first: appearance only influences pairs that
			// already overlap
			if iou >= o.params.IoUThresh && o.params.UseReid &&
				detections[d].HasReid && o.trackers[t].HasAppearance() {

				sim := reid.CosineSimilarity(detections[d].Reid,
					o.trackers[t].Appearance())

				if sim >= o.params.ReidCosThresh {
					reidBonus = o.params.ReidWeight * (sim + 1) / 2
				}
			}

			total := float32(-1e6)
			if iou >= o.params.IoUThresh {
				total = combined + reidBonus
				if total > maxCombined {
					maxCombined = total
				}
			}
			scoreMatrix[d][t] = total
		}
	}

	assignment := o.solvePrimary(iouMatrix, scoreMatrix, maxCombined, nDets, nTrks)

	detMatched := make([]bool, nDets)
	trkMatched := make([]bool, nTrks)

	for d := 0; d < nDets; d++ {
		t := assignment[d]
		if t < 0 {
			continue
		}
		if iouMatrix[d][t] >= o.params.IoUThresh {
			matched = append(matched, [2]int{d, t})
			detMatched[d] = true
			trkMatched[t] = true
		}
	}

	for d := 0; d < nDets; d++ {
		if !detMatched[d] {
			unmatchedDets = append(unmatchedDets, d)
		}
	}
	for t := 0; t < nTrks; t++ {
		if !trkMatched[t] {
			unmatchedTrks = append(unmatchedTrks, t)
		}
	}

	return matched, unmatchedDets, unmatchedTrks
}

// solvePrimary turns the maximization score matrix into a minimization cost
// and solves it.  Without appearance terms, a unique one-to-one overlap
// pattern short-circuits the solver entirely.
func (o *OCSort) solvePrimary(iouMatrix, scoreMatrix [][]float32,
	maxCombined float32, nDets, nTrks int) []int {

	assignment := make([]int, nDets)
	for d := range assignment {
		assignment[d] = -1
	}

	if !o.params.UseReid {

		fastPath := true
		rowSum := make([]int, nDets)
		colSum := make([]int, nTrks)

		for d := 0; d < nDets; d++ {
			for t := 0; t < nTrks; t++ {
				if iouMatrix[d][t] > o.params.IoUThresh {
					rowSum[d]++
					colSum[t]++
				}
			}
			if rowSum[d] > 1 {
				fastPath = false
			}
		}
		for t := 0; t < nTrks; t++ {
			if colSum[t] > 1 {
				fastPath = false
			}
		}

		if fastPath {
			for d := 0; d < nDets; d++ {
				for t := 0; t < nTrks; t++ {
					if iouMatrix[d][t] > o.params.IoUThresh {
						assignment[d] = t
						break
					}
				}
			}
			return assignment
		}
	}

	shift := float32(0)
	if !math.IsInf(float64(maxCombined), 0) {
		shift = maxCombined
	}

	cost := make([][]float64, nDets)
	for d := 0; d < nDets; d++ {
		cost[d] = make([]float64, nTrks)
		for t := 0; t < nTrks; t++ {
			cost[d][t] = float64(shift - scoreMatrix[d][t])
		}
	}

	return solveAssignment(cost)
}

// associateOCR runs the recovery pass over still-unmatched pairs, matching
// detections against each track's last real observation instead of its
// predicted state
func (o *OCSort) associateOCR(detections []Detection,
	unmatchedDets, unmatchedTrks []int) (matched [][2]int,
	remDets, remTrks []int) {

	if len(unmatchedDets) == 0 || len(unmatchedTrks) == 0 || len(detections) == 0 {
		return nil, unmatchedDets, unmatchedTrks
	}

	nDets := len(unmatchedDets)
	nTrks := len(unmatchedTrks)

	iouMatrix := make([][]float32, nDets)
	simMatrix := make([][]float32, nDets)
	simValid := make([][]bool, nDets)
	maxIoU := float32(0)

	for di := 0; di < nDets; di++ {
		iouMatrix[di] = make([]float32, nTrks)
		simMatrix[di] = make([]float32, nTrks)
		simValid[di] = make([]bool, nTrks)

		det := detections[unmatchedDets[di]]

		for ti := 0; ti < nTrks; ti++ {
			trk := o.trackers[unmatchedTrks[ti]]

			iou := float32(0)
			if last := trk.LastObservation(); last.Score >= 0 {
				iou = det.BBox.IoU(last.BBox)
			}
			iouMatrix[di][ti] = iou
			if iou > maxIoU {
				maxIoU = iou
			}

			if o.params.UseReid && det.HasReid && trk.HasAppearance() {
				simMatrix[di][ti] = reid.CosineSimilarity(det.Reid, trk.Appearance())
				simValid[di][ti] = true
			}
		}
	}

	if !o.params.UseReid && maxIoU <= o.params.IoUThresh {
		return nil, unmatchedDets, unmatchedTrks
	}

	cost := make([][]float64, nDets)

	for di := 0; di < nDets; di++ {
		cost[di] = make([]float64, nTrks)

		for ti := 0; ti < nTrks; ti++ {
			iouCost := 1 - iouMatrix[di][ti]
			appCost := float32(1)

			if o.params.UseReid && simValid[di][ti] &&
				simMatrix[di][ti] >= o.params.ReidCosThresh {
				appCost = 1 - (simMatrix[di][ti]+1)/2
			}

			w := float32(0)
			if o.params.UseReid && iouMatrix[di][ti] >= o.params.IoUThresh && appCost < 1 {
				w = o.params.ReidWeight
			}

			cost[di][ti] = float64((1-w)*iouCost + w*appCost)
		}
	}

	assignment := solveAssignment(cost)

	detUsed := make([]bool, nDets)
	trkUsed := make([]bool, nTrks)

	for di := 0; di < nDets; di++ {
		ti := assignment[di]
		if ti < 0 {
			continue
		}
		if iouMatrix[di][ti] >= o.params.IoUThresh {
			detUsed[di] = true
			trkUsed[ti] = true
			matched = append(matched, [2]int{unmatchedDets[di], unmatchedTrks[ti]})
		}
	}

	for di := 0; di < nDets; di++ {
		if !detUsed[di] {
			remDets = append(remDets, unmatchedDets[di])
		}
	}
	for ti := 0; ti < nTrks; ti++ {
		if !trkUsed[ti] {
			remTrks = append(remTrks, unmatchedTrks[ti])
		}
	}

	return matched, remDets, remTrks
}

// TakeFinishedAppearances drains the appearance prototypes of retired
// tracks.  Each prototype is returned exactly once.
func (o *OCSort) TakeFinishedAppearances() map[int][]float32 {
	out := o.finishedAppearances
	o.finishedAppearances = make(map[int][]float32)
	return out
}

// ActiveAppearances snapshots the appearance prototypes of live tracks
func (o *OCSort) ActiveAppearances() map[int][]float32 {
	out := make(map[int][]float32)
	for _, t := range o.trackers {
		if t.HasAppearance() {
			out[t.TrackID()] = t.Appearance()
		}
	}
	return out
}
