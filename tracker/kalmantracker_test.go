package tracker

import (
	"testing"
)

// makeDet builds a centered detection with the given size and score
func makeDet(cx, cy, w, h, score float32) Detection {
	return Detection{
		BBox:  BBox{cx - w/2, cy - h/2, cx + w/2, cy + h/2},
		Score: score,
	}
}

// makeReidDet builds a detection carrying an embedding
func makeReidDet(cx, cy float32, feat []float32, quality float32) Detection {
	d := makeDet(cx, cy, 0.1, 0.1, 0.9)
	d.Reid = feat
	d.HasReid = true
	d.ReidQuality = quality
	return d
}

// unitVec returns a 128-D unit vector with weight on the given axis
func unitVec(axis int) []float32 {
	v := make([]float32, ReidDim)
	v[axis] = 1
	return v
}

func TestTrackerLinearMotion(t *testing.T) {

	trk := NewKalmanBoxTracker(makeDet(0.20, 0.50, 0.10, 0.10, 0.9), 0, 3)

	for f := 1; f <= 9; f++ {
		trk.Predict()
		det := makeDet(0.20+0.05*float32(f), 0.50, 0.10, 0.10, 0.9)
		trk.Update(&det)
	}

	state := trk.GetState()

	if !almostEqual(state.CenterX(), 0.65, 0.01) {
		t.Errorf("final center x = %f, want 0.65", state.CenterX())
	}
	if !almostEqual(state.CenterY(), 0.50, 0.01) {
		t.Errorf("final center y = %f, want 0.50", state.CenterY())
	}

	// the filter should have learned the rightward velocity
	next := trk.Predict()
	if next.CenterX() <= state.CenterX() {
		t.Errorf("prediction did not continue rightward: %f -> %f",
			state.CenterX(), next.CenterX())
	}

	if trk.Hits() != 10 {
		t.Errorf("hits = %d, want 10", trk.Hits())
	}
}

func TestTrackerCounters(t *testing.T) {

	trk := NewKalmanBoxTracker(makeDet(0.5, 0.5, 0.1, 0.1, 0.9), 7, 3)

	if trk.TrackID() != 7 {
		t.Errorf("track id = %d", trk.TrackID())
	}
	if trk.Hits() != 1 || trk.HitStreak() != 1 {
		t.Errorf("initial hits = %d, streak = %d", trk.Hits(), trk.HitStreak())
	}

	trk.Predict()
	trk.Update(nil)

	if trk.TimeSinceUpdate() != 1 {
		t.Errorf("time since update = %d, want 1", trk.TimeSinceUpdate())
	}

	trk.Predict()

	// two missed predictions reset the streak
	if trk.HitStreak() != 0 {
		t.Errorf("hit streak = %d, want 0", trk.HitStreak())
	}

	det := makeDet(0.5, 0.5, 0.1, 0.1, 0.9)
	trk.Update(&det)

	if trk.TimeSinceUpdate() != 0 || trk.Hits() != 2 || trk.HitStreak() != 1 {
		t.Errorf("post-update counters: tsu=%d hits=%d streak=%d",
			trk.TimeSinceUpdate(), trk.Hits(), trk.HitStreak())
	}
}

// TestTrackerORURecovery replays the occlusion scenario: observed rightward
// motion, a five frame gap, then reappearance far to the right.  After the
// re-update the filter must carry positive velocity.
func TestTrackerORURecovery(t *testing.T) {

	trk := NewKalmanBoxTracker(makeDet(0.20, 0.50, 0.10, 0.10, 1.0), 0, 3)

	for f := 1; f <= 2; f++ {
		trk.Predict()
		det := makeDet(0.20+0.05*float32(f), 0.50, 0.10, 0.10, 1.0)
		trk.Update(&det)
	}

	for f := 3; f <= 7; f++ {
		trk.Predict()
		trk.Update(nil)
	}

	trk.Predict()
	det := makeDet(0.80, 0.50, 0.10, 0.10, 1.0)
	trk.Update(&det)
	cx8 := trk.GetState().CenterX()

	cx9 := trk.Predict().CenterX()

	if !(cx9 > cx8+0.02) {
		t.Errorf("no positive velocity after re-update: cx8=%f cx9=%f", cx8, cx9)
	}
}

func TestTrackerVelocityDir(t *testing.T) {

	trk := NewKalmanBoxTracker(makeDet(0.2, 0.5, 0.1, 0.1, 0.9), 0, 3)

	trk.Predict()
	det := makeDet(0.3, 0.5, 0.1, 0.1, 0.9)
	trk.Update(&det)

	dir := trk.VelocityDir()

	if !almostEqual(dir[0], 0, 1e-3) || !almostEqual(dir[1], 1, 1e-3) {
		t.Errorf("velocity dir = %v, want (0, 1)", dir)
	}
}

func TestTrackerKPreviousObservation(t *testing.T) {

	trk := NewKalmanBoxTracker(makeDet(0.2, 0.5, 0.1, 0.1, 0.9), 0, 3)

	// no other observations: the initial one is the most recent
	obs := trk.KPreviousObservation(3)
	if obs.Score < 0 {
		t.Fatal("expected the seed observation")
	}

	for f := 1; f <= 4; f++ {
		trk.Predict()
		det := makeDet(0.2+0.05*float32(f), 0.5, 0.1, 0.1, 0.9)
		trk.Update(&det)
	}

	// age is 4; 3 ages back is the observation at age 1 (cx = 0.25)
	obs = trk.KPreviousObservation(3)
	if !almostEqual(obs.BBox.CenterX(), 0.25, 1e-4) {
		t.Errorf("3-previous observation center = %f, want 0.25", obs.BBox.CenterX())
	}
}

// TestAppearanceBankTopK verifies the bank keeps the top-K samples by
// quality after a longer feed
func TestAppearanceBankTopK(t *testing.T) {

	qualities := []float32{0.55, 0.90, 0.45, 0.70, 0.85, 0.60, 0.95, 0.50, 0.80}

	trk := NewKalmanBoxTracker(makeReidDet(0.5, 0.5, unitVec(0), qualities[0]), 0, 3)

	for i := 1; i < len(qualities); i++ {
		trk.Predict()
		det := makeReidDet(0.5, 0.5, unitVec(i), qualities[i])
		trk.Update(&det)
	}

	if trk.bankSize != appearanceBankK {
		t.Fatalf("bank size = %d, want %d", trk.bankSize, appearanceBankK)
	}

	// top 5 of the feed: 0.95, 0.90, 0.85, 0.80, 0.70
	want := map[float32]bool{0.95: true, 0.90: true, 0.85: true, 0.80: true, 0.70: true}

	for i := 0; i < trk.bankSize; i++ {
		if !want[trk.bankQuality[i]] {
			t.Errorf("bank holds quality %f, not in top-K", trk.bankQuality[i])
		}
	}
}

func TestAppearanceQualityGate(t *testing.T) {

	// below the bank floor of 0.40: never admitted
	trk := NewKalmanBoxTracker(makeReidDet(0.5, 0.5, unitVec(0), 0.39), 0, 3)

	if trk.HasAppearance() {
		t.Error("low-quality embedding entered the bank")
	}

	trk.Predict()
	det := makeReidDet(0.5, 0.5, unitVec(1), 0.41)
	trk.Update(&det)

	if !trk.HasAppearance() {
		t.Error("qualifying embedding rejected")
	}
}

func TestAppearancePrototypeNormalized(t *testing.T) {

	trk := NewKalmanBoxTracker(makeReidDet(0.5, 0.5, unitVec(0), 0.9), 0, 3)

	trk.Predict()
	det := makeReidDet(0.5, 0.5, unitVec(1), 0.8)
	trk.Update(&det)

	app := trk.Appearance()

	var norm float32
	for _, v := range app {
		norm += v * v
	}

	if !almostEqual(norm, 1, 1e-4) {
		t.Errorf("prototype norm^2 = %f, want 1", norm)
	}
}

// TestApplyWarpIdentity verifies the identity warp leaves the filter state
// untouched
func TestApplyWarpIdentity(t *testing.T) {

	trk := NewKalmanBoxTracker(makeDet(0.3, 0.4, 0.1, 0.2, 0.9), 0, 3)

	trk.Predict()
	det := makeDet(0.35, 0.4, 0.1, 0.2, 0.9)
	trk.Update(&det)

	before := trk.GetState()
	lastBefore := trk.LastObservation().BBox

	trk.ApplyWarp(IdentityMat3(), 640, 480)

	after := trk.GetState()
	lastAfter := trk.LastObservation().BBox

	if !almostEqual(before.X1, after.X1, 1e-6) || !almostEqual(before.Y1, after.Y1, 1e-6) ||
		!almostEqual(before.X2, after.X2, 1e-6) || !almostEqual(before.Y2, after.Y2, 1e-6) {
		t.Errorf("identity warp moved state %v -> %v", before, after)
	}

	if !almostEqual(lastBefore.X1, lastAfter.X1, 1e-6) ||
		!almostEqual(lastBefore.Y1, lastAfter.Y1, 1e-6) {
		t.Errorf("identity warp moved last observation %v -> %v", lastBefore, lastAfter)
	}
}

func TestApplyWarpTranslation(t *testing.T) {

	trk := NewKalmanBoxTracker(makeDet(0.5, 0.5, 0.1, 0.1, 0.9), 0, 3)

	warp := IdentityMat3()
	warp[2] = 64 // 0.1 of a 640px frame

	// seed the direction cache so the warp has something to invalidate
	dir := [2]float32{0, 1}
	trk.velocityDir = &dir

	trk.ApplyWarp(warp, 640, 480)

	got := trk.GetState()

	if !almostEqual(got.CenterX(), 0.6, 1e-4) {
		t.Errorf("warped center x = %f, want 0.6", got.CenterX())
	}
	if !almostEqual(got.CenterY(), 0.5, 1e-4) {
		t.Errorf("warped center y = %f, want 0.5", got.CenterY())
	}

	// observation history is transported as well
	if !almostEqual(trk.LastObservation().BBox.CenterX(), 0.6, 1e-4) {
		t.Errorf("last observation not transported: %f",
			trk.LastObservation().BBox.CenterX())
	}

	// direction cache is invalidated
	if dir := trk.VelocityDir(); dir[0] != 0 || dir[1] != 0 {
		t.Errorf("velocity dir survived the warp: %v", dir)
	}
}

func TestPredictClampsNegativeArea(t *testing.T) {

	trk := NewKalmanBoxTracker(makeDet(0.5, 0.5, 0.05, 0.05, 0.9), 0, 3)

	// shrink hard so the area velocity goes negative
	for f := 1; f <= 3; f++ {
		trk.Predict()
		size := 0.05 - 0.012*float32(f)
		det := makeDet(0.5, 0.5, size, size, 0.9)
		trk.Update(&det)
	}

	// repeated predictions must never drive the area negative
	for i := 0; i < 20; i++ {
		b := trk.Predict()
		if b.Width() < 0 || b.Height() < 0 {
			t.Fatalf("negative box after prediction %d: %v", i, b)
		}
	}
}
