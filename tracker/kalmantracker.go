package tracker

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/pluginplay/faceblur/reid"
)

const (
	// appearanceBankK is the maximum number of embedding samples kept per track
	appearanceBankK = 5
	// minReidBankQuality is the lowest embedding quality admitted to the bank
	minReidBankQuality = 0.40
)

// KalmanBoxTracker tracks a single face with a 7-state constant-velocity
// Kalman filter over the (x, y, s, r) observation space, extended with the
// observation-centric mechanisms of OC-SORT: re-update after occlusion gaps
// (ORU), a cached motion direction for momentum scoring (OCM), and a small
// quality-gated appearance bank.
type KalmanBoxTracker struct {
	trackID         int
	timeSinceUpdate int
	hits            int
	hitStreak       int
	age             int
	deltaT          int

	// state vector (x, y, s, r, vx, vy, vs) and covariance
	x *mat.Dense // 7x1
	p *mat.Dense // 7x7
	f *mat.Dense // 7x7 transition
	h *mat.Dense // 4x7 measurement
	q *mat.Dense // 7x7 process noise
	r *mat.Dense // 4x4 measurement noise

	lastObservation   Detection
	observationsByAge map[int]Detection
	lastObservedAge   int
	velocityDir       *[2]float32 // (dy, dx)

	bank          [appearanceBankK][]float32
	bankQuality   [appearanceBankK]float32
	bankSize      int
	appearance    []float32
	hasAppearance bool

	// oruHistory holds one entry per frame since creation: the measurement
	// when the frame was observed, nil otherwise
	oruHistory  []*Measurement
	oruObserved bool
	oruSavedX   *mat.Dense
	oruSavedP   *mat.Dense
	oruSavedAge int
}

// NewKalmanBoxTracker creates a tracker seeded from its first detection.
// deltaT is the OCM lookback in frames.
func NewKalmanBoxTracker(det Detection, trackID, deltaT int) *KalmanBoxTracker {

	k := &KalmanBoxTracker{
		trackID:           trackID,
		hits:              1,
		hitStreak:         1,
		deltaT:            deltaT,
		x:                 mat.NewDense(7, 1, nil),
		p:                 identity(7),
		f:                 identity(7),
		h:                 mat.NewDense(4, 7, nil),
		q:                 identity(7),
		r:                 identity(4),
		observationsByAge: make(map[int]Detection),
		lastObservation:   noObservation(),
	}

	z := bboxToMeasurement(det.BBox)
	k.x.Set(0, 0, float64(z[0]))
	k.x.Set(1, 0, float64(z[1]))
	k.x.Set(2, 0, float64(z[2]))
	k.x.Set(3, 0, float64(z[3]))

	// constant velocity on x, y, s; r held constant
	k.f.Set(0, 4, 1)
	k.f.Set(1, 5, 1)
	k.f.Set(2, 6, 1)

	// observe (x, y, s, r)
	k.h.Set(0, 0, 1)
	k.h.Set(1, 1, 1)
	k.h.Set(2, 2, 1)
	k.h.Set(3, 3, 1)

	// SORT / OC-SORT noise weightings.
	// Note: the last diagonal of Q is scaled by 0.01 twice, matching the
	// public OC-SORT implementation this reproduces.
	k.q.Set(6, 6, 0.01)
	k.q.Set(4, 4, 0.01)
	k.q.Set(5, 5, 0.01)
	k.q.Set(6, 6, k.q.At(6, 6)*0.01)

	k.r.Set(2, 2, 10)
	k.r.Set(3, 3, 10)

	// inflate velocity uncertainty, then the whole covariance
	k.p.Set(4, 4, 1000)
	k.p.Set(5, 5, 1000)
	k.p.Set(6, 6, 1000)
	for i := 0; i < 7; i++ {
		k.p.Set(i, i, k.p.At(i, i)*10)
	}

	k.lastObservation = det
	k.observationsByAge[0] = det
	k.lastObservedAge = 0

	if det.HasReid && det.ReidQuality >= minReidBankQuality {
		k.bank[0] = reid.NormalizeVec(det.Reid)
		k.bankQuality[0] = max32(0, det.ReidQuality)
		k.bankSize = 1
		k.appearance = k.bank[0]
		k.hasAppearance = true
	}

	k.oruHistory = append(k.oruHistory, &z)
	k.oruObserved = true
	k.oruSavedX = mat.DenseCopyOf(k.x)
	k.oruSavedP = mat.DenseCopyOf(k.p)

	return k
}

// Predict propagates the state one frame forward and advances the age
// counters, returning the predicted box
func (k *KalmanBoxTracker) Predict() BBox {

	k.predictKF()
	k.age++

	if k.timeSinceUpdate > 0 {
		k.hitStreak = 0
	}

	k.timeSinceUpdate++

	return k.GetState()
}

// Update corrects the filter with a detection, or records a missed frame
// when det is nil.  A detection arriving after one or more missed frames
// triggers the observation-centric re-update before the real correction.
func (k *KalmanBoxTracker) Update(det *Detection) {

	if det == nil {
		k.oruHistory = append(k.oruHistory, nil)
		k.oruObserved = false
		return
	}

	z := bboxToMeasurement(det.BBox)
	k.oruHistory = append(k.oruHistory, &z)

	if !k.oruObserved {
		k.runORU(z)
	}

	// refresh the momentum direction using the observation deltaT frames
	// back, or the closest older one
	if k.lastObservation.Score >= 0 {
		prev := k.lastObservation
		for i := 0; i < k.deltaT; i++ {
			dt := k.deltaT - i
			if o, ok := k.observationsByAge[k.age-dt]; ok {
				prev = o
				break
			}
		}
		dir := speedDirection(prev.BBox, det.BBox)
		k.velocityDir = &dir
	}

	k.timeSinceUpdate = 0
	k.hits++
	k.hitStreak++

	k.lastObservation = *det
	k.observationsByAge[k.age] = *det
	if k.age > k.lastObservedAge {
		k.lastObservedAge = k.age
	}

	k.updateAppearance(det)

	k.updateKF(z)

	k.oruSavedX = mat.DenseCopyOf(k.x)
	k.oruSavedP = mat.DenseCopyOf(k.p)
	k.oruSavedAge = k.age
	k.oruObserved = true
}

// updateAppearance folds a sufficiently trustworthy embedding into the bank
// and refreshes the published prototype
func (k *KalmanBoxTracker) updateAppearance(det *Detection) {

	if !det.HasReid {
		return
	}

	q := max32(0, det.ReidQuality)

	if q < minReidBankQuality {
		return
	}

	insertAt := -1

	if k.bankSize < appearanceBankK {
		insertAt = k.bankSize
		k.bankSize++
	} else {
		worst := 0
		worstQ := k.bankQuality[0]
		for i := 1; i < appearanceBankK; i++ {
			if k.bankQuality[i] < worstQ {
				worstQ = k.bankQuality[i]
				worst = i
			}
		}
		if q > worstQ {
			insertAt = worst
		}
	}

	if insertAt < 0 {
		if !k.hasAppearance {
			k.bank[0] = reid.NormalizeVec(det.Reid)
			k.bankQuality[0] = q
			k.bankSize = 1
			k.appearance = k.bank[0]
			k.hasAppearance = true
		}
		return
	}

	k.bank[insertAt] = reid.NormalizeVec(det.Reid)
	k.bankQuality[insertAt] = q

	// quality-weighted mean of the bank, re-normalized to unit length
	proto := make([]float32, len(k.bank[0]))
	wsum := float64(0)

	for i := 0; i < k.bankSize; i++ {
		w := float64(max32(0, k.bankQuality[i]))
		wsum += w
		for j := range k.bank[i] {
			proto[j] += float32(w * float64(k.bank[i][j]))
		}
	}

	if wsum <= 1e-9 {
		copy(proto, k.bank[0])
	}

	k.appearance = reid.NormalizeVec(proto)
	k.hasAppearance = true
}

// GetState returns the bounding box encoded by the current filter state
func (k *KalmanBoxTracker) GetState() BBox {
	return measurementToBBox(Measurement{
		float32(k.x.At(0, 0)),
		float32(k.x.At(1, 0)),
		float32(k.x.At(2, 0)),
		float32(k.x.At(3, 0)),
	})
}

// ApplyWarp transports the filter state, its velocities, and the stored
// observation history through a prev-to-curr camera warp so association
// happens in the current frame's coordinate system
func (k *KalmanBoxTracker) ApplyWarp(warp Mat3, frameWidth, frameHeight int) {

	if frameWidth <= 0 || frameHeight <= 0 {
		return
	}

	cur := k.GetState()
	z := bboxToMeasurement(warp.WarpBBox(cur, frameWidth, frameHeight))
	k.x.Set(0, 0, float64(z[0]))
	k.x.Set(1, 0, float64(z[1]))
	k.x.Set(2, 0, float64(z[2]))
	k.x.Set(3, 0, float64(z[3]))

	// velocities transform by the affine 2x2 part only
	vxPx := float32(k.x.At(4, 0)) * float32(frameWidth)
	vyPx := float32(k.x.At(5, 0)) * float32(frameHeight)
	nvxPx := warp[0]*vxPx + warp[1]*vyPx
	nvyPx := warp[3]*vxPx + warp[4]*vyPx
	k.x.Set(4, 0, float64(nvxPx/float32(frameWidth)))
	k.x.Set(5, 0, float64(nvyPx/float32(frameHeight)))

	// area velocity scales with the local area scale of the warp
	detA := warp.affineDet()
	if !math.IsNaN(float64(detA)) && !math.IsInf(float64(detA), 0) && detA > 0 {
		k.x.Set(6, 0, k.x.At(6, 0)*float64(detA))
	}

	if k.lastObservation.Score >= 0 {
		k.lastObservation.BBox = warp.WarpBBox(k.lastObservation.BBox, frameWidth, frameHeight)
	}

	for age, obs := range k.observationsByAge {
		if obs.Score >= 0 {
			obs.BBox = warp.WarpBBox(obs.BBox, frameWidth, frameHeight)
			k.observationsByAge[age] = obs
		}
	}

	for _, m := range k.oruHistory {
		if m == nil {
			continue
		}
		hb := measurementToBBox(*m)
		*m = bboxToMeasurement(warp.WarpBBox(hb, frameWidth, frameHeight))
	}

	if k.oruSavedX != nil {
		saved := Measurement{
			float32(k.oruSavedX.At(0, 0)),
			float32(k.oruSavedX.At(1, 0)),
			float32(k.oruSavedX.At(2, 0)),
			float32(k.oruSavedX.At(3, 0)),
		}
		zs := bboxToMeasurement(warp.WarpBBox(measurementToBBox(saved), frameWidth, frameHeight))
		k.oruSavedX.Set(0, 0, float64(zs[0]))
		k.oruSavedX.Set(1, 0, float64(zs[1]))
		k.oruSavedX.Set(2, 0, float64(zs[2]))
		k.oruSavedX.Set(3, 0, float64(zs[3]))
	}

	// direction is stale in the new coordinate system; recomputed on the
	// next observation
	k.velocityDir = nil
}

// TrackID returns the stable ID of the track
func (k *KalmanBoxTracker) TrackID() int {
	return k.trackID
}

// Age returns the number of frames since the track was created
func (k *KalmanBoxTracker) Age() int {
	return k.age
}

// Hits returns the total number of matched frames
func (k *KalmanBoxTracker) Hits() int {
	return k.hits
}

// HitStreak returns the current run of consecutively matched frames
func (k *KalmanBoxTracker) HitStreak() int {
	return k.hitStreak
}

// TimeSinceUpdate returns the number of frames since the last matched
// detection
func (k *KalmanBoxTracker) TimeSinceUpdate() int {
	return k.timeSinceUpdate
}

// LastObservation returns the most recent matched detection, or the
// sentinel (negative score) when the track has none
func (k *KalmanBoxTracker) LastObservation() Detection {
	return k.lastObservation
}

// VelocityDir returns the cached (dy, dx) unit motion direction, or zeros
// when none has been computed yet
func (k *KalmanBoxTracker) VelocityDir() [2]float32 {
	if k.velocityDir == nil {
		return [2]float32{}
	}
	return *k.velocityDir
}

// HasAppearance reports whether the track has a published appearance
// prototype
func (k *KalmanBoxTracker) HasAppearance() bool {
	return k.hasAppearance
}

// Appearance returns the published appearance prototype
func (k *KalmanBoxTracker) Appearance() []float32 {
	return k.appearance
}

// KPreviousObservation walks backward up to k ages looking for an
// observation; if none is found it returns the most recent one, or the
// sentinel when the track has no observations at all
func (k *KalmanBoxTracker) KPreviousObservation(kk int) Detection {

	if len(k.observationsByAge) == 0 {
		return noObservation()
	}

	for i := 0; i < kk; i++ {
		dt := kk - i
		if o, ok := k.observationsByAge[k.age-dt]; ok {
			return o
		}
	}

	return k.observationsByAge[k.lastObservedAge]
}

// predictKF runs the bare filter prediction without touching counters
func (k *KalmanBoxTracker) predictKF() {

	// keep the predicted area positive
	if k.x.At(6, 0)+k.x.At(2, 0) <= 0 {
		k.x.Set(6, 0, 0)
	}

	var nx mat.Dense
	nx.Mul(k.f, k.x)
	k.x.CloneFrom(&nx)

	var fp, fpft mat.Dense
	fp.Mul(k.f, k.p)
	fpft.Mul(&fp, k.f.T())
	fpft.Add(&fpft, k.q)
	k.p.CloneFrom(&fpft)
}

// updateKF runs the bare filter correction with a measurement
func (k *KalmanBoxTracker) updateKF(z Measurement) {

	zv := mat.NewDense(4, 1, []float64{
		float64(z[0]), float64(z[1]), float64(z[2]), float64(z[3]),
	})

	// y = z - H*x
	var hx, y mat.Dense
	hx.Mul(k.h, k.x)
	y.Sub(zv, &hx)

	// S = H*P*H' + R
	var hp, sMat mat.Dense
	hp.Mul(k.h, k.p)
	sMat.Mul(&hp, k.h.T())
	sMat.Add(&sMat, k.r)

	// K = P*H'*S^-1
	var pht, gain mat.Dense
	pht.Mul(k.p, k.h.T())
	gain.Mul(&pht, regularizedInverse(&sMat))

	// x = x + K*y
	var ky mat.Dense
	ky.Mul(&gain, &y)
	k.x.Add(k.x, &ky)

	// P = (I - K*H) * P
	var kh, np mat.Dense
	kh.Mul(&gain, k.h)
	ikh := identity(7)
	ikh.Sub(ikh, &kh)
	np.Mul(ikh, k.p)
	k.p.CloneFrom(&np)
}

// runORU rolls the filter back to the last matched state and replays the
// occlusion gap along a straight-line virtual trajectory between the last
// two real observations, leaving the filter predicted at the current frame
func (k *KalmanBoxTracker) runORU(current Measurement) {

	if k.oruSavedX == nil || k.oruSavedP == nil {
		return
	}

	// last two real observations in history
	idx2 := -1
	idx1 := -1

	for i := len(k.oruHistory) - 1; i >= 0; i-- {
		if k.oruHistory[i] == nil {
			continue
		}
		if idx2 < 0 {
			idx2 = i
		} else {
			idx1 = i
			break
		}
	}

	if idx1 < 0 || idx2 < 0 {
		return
	}

	gap := idx2 - idx1

	if gap < 2 {
		// no missing steps between observations
		return
	}

	prev := *k.oruHistory[idx1]

	k.x.CloneFrom(k.oruSavedX)
	k.p.CloneFrom(k.oruSavedP)

	x1, y1, w1, h1 := measurementToXYWH(prev)
	x2, y2, w2, h2 := measurementToXYWH(current)

	for i := 1; i <= gap-1; i++ {
		alpha := float32(i) / float32(gap)
		xi := x1 + alpha*(x2-x1)
		yi := y1 + alpha*(y2-y1)
		wi := w1 + alpha*(w2-w1)
		hi := h1 + alpha*(h2-h1)

		k.predictKF()
		k.updateKF(xywhToMeasurement(xi, yi, wi, hi))
	}

	// bring the filter to the current frame; the caller applies the real
	// update next
	k.predictKF()
}
