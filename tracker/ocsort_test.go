package tracker

import (
	"math"
	"testing"
)

func TestOCSortSingleTrackLinearMotion(t *testing.T) {

	params := DefaultParams()
	params.MinHits = 1
	engine := NewOCSort(params)

	// one detection per frame moving right
	for f := 0; f < 10; f++ {
		cx := 0.20 + 0.05*float32(f)
		dets := []Detection{makeDet(cx, 0.50, 0.10, 0.10, 0.9)}

		results := engine.Update(dets, false, nil, 0, 0)

		if len(results) != 1 {
			t.Fatalf("frame %d: %d tracks, want 1", f, len(results))
		}

		r := results[0]

		if r.TrackID != 0 {
			t.Errorf("frame %d: track id = %d, want 0", f, r.TrackID)
		}
		if !almostEqual(r.BBox.CenterX(), cx, 0.01) {
			t.Errorf("frame %d: center x = %f, want %f", f, r.BBox.CenterX(), cx)
		}
		if !almostEqual(r.BBox.CenterY(), 0.50, 0.01) {
			t.Errorf("frame %d: center y = %f", f, r.BBox.CenterY())
		}
		if !almostEqual(r.Confidence, 0.9, 1e-5) {
			t.Errorf("frame %d: confidence = %f", f, r.Confidence)
		}
	}
}

// TestOCSortTwoTrackCrossing runs two objects crossing paths horizontally;
// IDs must survive the crossing without a swap.
func TestOCSortTwoTrackCrossing(t *testing.T) {

	params := DefaultParams()
	params.MinHits = 1
	engine := NewOCSort(params)

	idAtStart := make(map[int]float32) // track id -> first seen center x
	var lastResults []TrackResult

	for f := 0; f < 12; f++ {
		cxA := 0.20 + 0.06*float32(f)
		cxB := 0.83 - 0.06*float32(f)

		dets := []Detection{
			makeDet(cxA, 0.30, 0.10, 0.10, 0.9),
			makeDet(cxB, 0.30, 0.10, 0.10, 0.9),
		}

		lastResults = engine.Update(dets, false, nil, 0, 0)

		for _, r := range lastResults {
			if _, ok := idAtStart[r.TrackID]; !ok {
				idAtStart[r.TrackID] = r.BBox.CenterX()
			}
		}
	}

	if len(idAtStart) != 2 {
		t.Fatalf("%d distinct ids, want 2", len(idAtStart))
	}
	if len(lastResults) != 2 {
		t.Fatalf("%d tracks at the end, want 2", len(lastResults))
	}

	// the id that started on the left must end on the right and vice versa
	for _, r := range lastResults {
		start := idAtStart[r.TrackID]
		end := r.BBox.CenterX()

		if start < 0.5 && end < 0.5 {
			t.Errorf("id %d started left (%f) but ended left (%f): id swap",
				r.TrackID, start, end)
		}
		if start > 0.5 && end > 0.5 {
			t.Errorf("id %d started right (%f) but ended right (%f): id swap",
				r.TrackID, start, end)
		}
	}
}

// TestOCMMonotonicity verifies that, with IoU and score fixed, a detection
// continuing the track's motion direction outscores one moving against it
func TestOCMMonotonicity(t *testing.T) {

	inertia := float32(0.2)
	score := float32(0.9)

	trackDir := [2]float32{0, 1} // moving in +x

	ocmTerm := func(dir [2]float32) float32 {
		cosv := clamp32(trackDir[1]*dir[1]+trackDir[0]*dir[0], -1, 1)
		angle := float32(math.Acos(float64(cosv)))
		diff := (math.Pi/2 - float32(math.Abs(float64(angle)))) / math.Pi
		return diff * inertia * score
	}

	aligned := ocmTerm([2]float32{0, 1})
	opposite := ocmTerm([2]float32{0, -1})

	if !(aligned > opposite) {
		t.Errorf("aligned term %f not greater than opposite %f", aligned, opposite)
	}

	// and the association prefers the aligned candidate: a stationary
	// prediction with an injected +x direction sees two symmetric
	// candidates of equal IoU and score
	params := DefaultParams()
	params.MinHits = 1
	engine := NewOCSort(params)

	trk := NewKalmanBoxTracker(makeDet(0.50, 0.50, 0.20, 0.20, score), 0, params.DeltaT)
	trk.velocityDir = &trackDir
	engine.trackers = append(engine.trackers, trk)

	ahead := makeDet(0.53, 0.50, 0.20, 0.20, score)
	behind := makeDet(0.47, 0.50, 0.20, 0.20, score)

	matched, _, _ := engine.associate([]Detection{behind, ahead})

	if len(matched) != 1 {
		t.Fatalf("%d matches, want 1", len(matched))
	}
	if matched[0][0] != 1 {
		t.Errorf("matched detection %d, want the aligned candidate (1)", matched[0][0])
	}
}

func TestOCSortEmptyInputs(t *testing.T) {

	engine := NewOCSort(DefaultParams())

	// both sides empty: a no-op frame
	if results := engine.Update(nil, false, nil, 0, 0); len(results) != 0 {
		t.Errorf("empty frame emitted %d tracks", len(results))
	}

	// detections with no trackers spawn
	engine.Update([]Detection{makeDet(0.5, 0.5, 0.1, 0.1, 0.9)}, false, nil, 0, 0)

	// trackers with no detections age
	if results := engine.Update(nil, false, nil, 0, 0); len(results) != 0 {
		t.Errorf("default mode emitted %d stale tracks", len(results))
	}
}

func TestOCSortUniqueStableIDs(t *testing.T) {

	run := func() []int {
		params := DefaultParams()
		params.MinHits = 1
		engine := NewOCSort(params)

		var ids []int
		seen := make(map[int]bool)

		for f := 0; f < 8; f++ {
			dets := []Detection{
				makeDet(0.2, 0.3, 0.1, 0.1, 0.9),
				makeDet(0.7, 0.7, 0.1, 0.1, 0.9),
			}
			if f == 4 {
				// a third face appears
				dets = append(dets, makeDet(0.5, 0.1, 0.1, 0.1, 0.9))
			}

			for _, r := range engine.Update(dets, false, nil, 0, 0) {
				if !seen[r.TrackID] {
					seen[r.TrackID] = true
					ids = append(ids, r.TrackID)
				}
			}
		}

		return ids
	}

	first := run()
	second := run()

	if len(first) != 3 {
		t.Fatalf("%d ids, want 3", len(first))
	}

	for i := range first {
		if first[i] != second[i] {
			t.Errorf("ids not stable across runs: %v vs %v", first, second)
		}
	}
}

// TestOCSortReturnAllSparse feeds detections only every sixth frame and
// expects predictions on the frames in between
func TestOCSortReturnAllSparse(t *testing.T) {

	params := DefaultParams()
	params.MinHits = 1
	params.MaxAge = 90
	engine := NewOCSort(params)

	for f := 0; f < 30; f++ {
		var dets []Detection
		if f%6 == 0 {
			cx := 0.20 + 0.01*float32(f)
			dets = []Detection{makeDet(cx, 0.50, 0.10, 0.10, 0.9)}
		}

		results := engine.Update(dets, true, nil, 0, 0)

		if len(results) != 1 {
			t.Fatalf("frame %d: %d tracks, want 1", f, len(results))
		}

		want := 0.20 + 0.01*float32(f)
		got := results[0].BBox.CenterX()

		// no velocity estimate exists before the second detection
		tol := float32(0.03)
		if f < 6 {
			tol = 0.06
		}

		if !almostEqual(got, want, tol) {
			t.Errorf("frame %d: center x = %f, want %f +-%f", f, got, want, tol)
		}

		// confidence decays on prediction frames
		if f%6 == 0 {
			if !almostEqual(results[0].Confidence, 0.9, 1e-4) {
				t.Errorf("frame %d: confidence = %f", f, results[0].Confidence)
			}
		} else if results[0].Confidence >= 0.9 {
			t.Errorf("frame %d: prediction confidence not decayed: %f",
				f, results[0].Confidence)
		}
	}
}

func TestOCSortRetirement(t *testing.T) {

	params := DefaultParams()
	params.MinHits = 1
	params.MaxAge = 3
	engine := NewOCSort(params)

	feat := unitVec(2)
	det := makeReidDet(0.5, 0.5, feat, 0.9)
	engine.Update([]Detection{det}, false, nil, 0, 0)

	// age the track past MaxAge
	for f := 0; f < 6; f++ {
		engine.Update(nil, false, nil, 0, 0)
	}

	finished := engine.TakeFinishedAppearances()

	if len(finished) != 1 {
		t.Fatalf("%d finished appearances, want 1", len(finished))
	}

	// drained exactly once
	if again := engine.TakeFinishedAppearances(); len(again) != 0 {
		t.Errorf("finished appearances drained twice: %d", len(again))
	}

	if len(engine.ActiveAppearances()) != 0 {
		t.Errorf("retired track still active")
	}
}

// TestConfirmGateKnob forces the hit-streak gate in returnAll mode: the
// track unconfirms as soon as prediction-only frames reset its streak
func TestConfirmGateKnob(t *testing.T) {

	params := DefaultParams()
	params.MinHits = 2
	params.Gate = GateHitStreak
	engine := NewOCSort(params)

	det := []Detection{makeDet(0.5, 0.5, 0.1, 0.1, 0.9)}

	engine.Update(det, true, nil, 0, 0)
	engine.Update(det, true, nil, 0, 0)

	// two missed frames: the streak resets
	engine.Update(nil, true, nil, 0, 0)
	results := engine.Update(nil, true, nil, 0, 0)

	if len(results) != 0 {
		t.Errorf("hit-streak gate still emitted %d tracks", len(results))
	}

	// the auto gate keeps the same track confirmed on total hits
	params.Gate = GateAuto
	engine = NewOCSort(params)

	engine.Update(det, true, nil, 0, 0)
	engine.Update(det, true, nil, 0, 0)
	engine.Update(nil, true, nil, 0, 0)
	results = engine.Update(nil, true, nil, 0, 0)

	if len(results) != 1 {
		t.Errorf("auto gate emitted %d tracks, want 1", len(results))
	}
}

func TestOCSortEmissionOrder(t *testing.T) {

	params := DefaultParams()
	params.MinHits = 1
	engine := NewOCSort(params)

	dets := []Detection{
		makeDet(0.8, 0.8, 0.1, 0.1, 0.9),
		makeDet(0.2, 0.2, 0.1, 0.1, 0.9),
		makeDet(0.5, 0.5, 0.1, 0.1, 0.9),
	}

	for f := 0; f < 3; f++ {
		results := engine.Update(dets, false, nil, 0, 0)

		for i := 1; i < len(results); i++ {
			if results[i-1].TrackID >= results[i].TrackID {
				t.Fatalf("emission not ordered by id: %v", results)
			}
		}
	}
}
