package reid

import (
	"math"
	"testing"
)

func almostEqual(a, b, tolerance float32) bool {
	return float32(math.Abs(float64(a)-float64(b))) <= tolerance
}

func TestNormalizeVec(t *testing.T) {

	v := []float32{3, 4}
	n := NormalizeVec(v)

	if !almostEqual(n[0], 0.6, 1e-6) || !almostEqual(n[1], 0.8, 1e-6) {
		t.Errorf("normalized = %v", n)
	}

	// zero vector passes through unchanged
	z := []float32{0, 0, 0}
	if out := NormalizeVec(z); out[0] != 0 || out[1] != 0 || out[2] != 0 {
		t.Errorf("zero vector changed: %v", out)
	}
}

func TestCosineSimilarity(t *testing.T) {

	a := NormalizeVec([]float32{1, 0, 0})
	b := NormalizeVec([]float32{0, 1, 0})
	c := NormalizeVec([]float32{-1, 0, 0})

	if !almostEqual(CosineSimilarity(a, a), 1, 1e-6) {
		t.Error("self similarity != 1")
	}
	if !almostEqual(CosineSimilarity(a, b), 0, 1e-6) {
		t.Error("orthogonal similarity != 0")
	}
	if !almostEqual(CosineSimilarity(a, c), -1, 1e-6) {
		t.Error("opposite similarity != -1")
	}

	if !almostEqual(CosineDistance(a, c), 2, 1e-6) {
		t.Error("opposite distance != 2")
	}
}

func TestEuclideanDistance(t *testing.T) {

	a := []float32{0, 0}
	b := []float32{3, 4}

	if !almostEqual(EuclideanDistance(a, b), 5, 1e-6) {
		t.Errorf("distance = %f", EuclideanDistance(a, b))
	}
}

func TestEstimateSimilarity5pt(t *testing.T) {

	// apply a known similarity (scale 2, rotation 30 degrees, translation)
	angle := math.Pi / 6
	scale := 2.0
	a := float32(scale * math.Cos(angle))
	b := float32(scale * math.Sin(angle))
	want := similarity2x3{a: a, b: b, tx: 10, ty: -5}

	var src, dst [5][2]float32
	copy(src[:], arcFaceTemplate[:])

	for i := range src {
		dst[i][0], dst[i][1] = want.apply(src[i][0], src[i][1])
	}

	got, ok := estimateSimilarity5pt(src, dst)

	if !ok {
		t.Fatal("estimation failed")
	}

	if !almostEqual(got.a, want.a, 1e-3) || !almostEqual(got.b, want.b, 1e-3) ||
		!almostEqual(got.tx, want.tx, 1e-2) || !almostEqual(got.ty, want.ty, 1e-2) {
		t.Errorf("estimated %+v, want %+v", got, want)
	}
}

func TestSimilarityInvertRoundTrip(t *testing.T) {

	m := similarity2x3{a: 1.5, b: 0.5, tx: 20, ty: -7}
	inv := m.invert()

	x, y := m.apply(33, 44)
	rx, ry := inv.apply(x, y)

	if !almostEqual(rx, 33, 1e-3) || !almostEqual(ry, 44, 1e-3) {
		t.Errorf("round trip gave (%f, %f)", rx, ry)
	}
}

func TestEstimateSimilarityDegenerate(t *testing.T) {

	// all points identical: no transform can be fit
	var src, dst [5][2]float32
	for i := range src {
		src[i] = [2]float32{10, 10}
		dst[i] = [2]float32{20, 20}
	}

	if _, ok := estimateSimilarity5pt(src, dst); ok {
		t.Error("degenerate points produced a transform")
	}
}

// checkerCrop renders an aligned-size crop with the given cell size; small
// cells give strong Laplacian response
func checkerCrop(cell int) []uint8 {

	crop := make([]uint8, alignSize*alignSize*3)

	for y := 0; y < alignSize; y++ {
		for x := 0; x < alignSize; x++ {
			v := uint8(40)
			if (x/cell+y/cell)%2 == 0 {
				v = 220
			}
			idx := (y*alignSize + x) * 3
			crop[idx] = v
			crop[idx+1] = v
			crop[idx+2] = v
		}
	}

	return crop
}

// flatCrop renders a uniform aligned-size crop
func flatCrop(v uint8) []uint8 {

	crop := make([]uint8, alignSize*alignSize*3)
	for i := range crop {
		crop[i] = v
	}

	return crop
}

func TestLaplacianVariance(t *testing.T) {

	if v := laplacianVariance(flatCrop(100)); v != 0 {
		t.Errorf("flat crop variance = %f", v)
	}

	sharp := laplacianVariance(checkerCrop(2))
	soft := laplacianVariance(checkerCrop(28))

	if !(sharp > soft) {
		t.Errorf("fine checker (%f) not sharper than coarse (%f)", sharp, soft)
	}
}

func TestCropQualityOrdering(t *testing.T) {

	// bright, textured, large face beats a dark flat tiny one
	good := cropQuality(checkerCrop(4), 200, 200, 1000, 1000)
	bad := cropQuality(flatCrop(20), 20, 20, 1000, 1000)

	if !(good > bad) {
		t.Errorf("quality ordering wrong: good=%f bad=%f", good, bad)
	}

	if good < 0 || good > 1 || bad < 0 || bad > 1 {
		t.Errorf("quality out of range: good=%f bad=%f", good, bad)
	}
}

// fakeEmbedder returns a constant raw vector
type fakeEmbedder struct{}

func (f *fakeEmbedder) Embed(rgb []uint8, width, height int) ([]float32, error) {

	v := make([]float32, Dim)
	for i := range v {
		v[i] = float32(i%7) + 1
	}

	return v, nil
}

func TestAlignedExtractor(t *testing.T) {

	// a textured frame large enough for a face crop
	const w, h = 400, 400
	frame := make([]uint8, w*h*3)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(40)
			if (x/3+y/3)%2 == 0 {
				v = 220
			}
			idx := (y*w + x) * 3
			frame[idx] = v
			frame[idx+1] = v
			frame[idx+2] = v
		}
	}

	ex := NewAligned(&fakeEmbedder{})

	box := [4]float32{100, 100, 300, 300}
	feat, ok, quality := ex.Extract(frame, w, h, box, nil)

	if !ok {
		t.Fatal("extraction failed on a textured crop")
	}
	if len(feat) != Dim {
		t.Fatalf("feature length %d", len(feat))
	}
	if quality <= 0 || quality > 1 {
		t.Errorf("quality = %f", quality)
	}

	var norm float32
	for _, v := range feat {
		norm += v * v
	}
	if !almostEqual(norm, 1, 1e-4) {
		t.Errorf("feature norm^2 = %f", norm)
	}
}

func TestAlignedExtractorSkipsBlurred(t *testing.T) {

	// a flat frame has zero Laplacian variance: below the skip threshold
	const w, h = 400, 400
	frame := make([]uint8, w*h*3)
	for i := range frame {
		frame[i] = 128
	}

	ex := NewAligned(&fakeEmbedder{})

	_, ok, quality := ex.Extract(frame, w, h, [4]float32{100, 100, 300, 300}, nil)

	if ok {
		t.Error("blurred crop produced an embedding")
	}
	if quality != 0 {
		t.Errorf("blurred crop quality = %f", quality)
	}
}

func TestLandmarksUsable(t *testing.T) {

	good := [5][2]float32{{100, 100}, {140, 100}, {120, 120}, {105, 140}, {135, 140}}

	if !landmarksUsable(good, 400, 400) {
		t.Error("valid landmarks rejected")
	}

	outside := good
	outside[0][0] = -5
	if landmarksUsable(outside, 400, 400) {
		t.Error("out-of-frame landmarks accepted")
	}

	tiny := [5][2]float32{{100, 100}, {101, 100}, {100, 101}, {100, 102}, {101, 102}}
	if landmarksUsable(tiny, 400, 400) {
		t.Error("degenerate eye distance accepted")
	}
}
