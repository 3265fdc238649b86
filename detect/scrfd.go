package detect

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sort"

	"gocv.io/x/gocv"
)

// scrfdStrides are the feature map strides of the SCRFD detection heads
var scrfdStrides = []int{8, 16, 32}

// scrfdNumAnchors is the number of anchors per feature map position
const scrfdNumAnchors = 2

// scrfdOutputNames lists the score, box-distance and keypoint outputs per
// stride
var scrfdOutputNames = []string{
	"score_8", "score_16", "score_32",
	"bbox_8", "bbox_16", "bbox_32",
	"kps_8", "kps_16", "kps_32",
}

// SCRFD is an anchor-free face detector with 5-point landmarks, run through
// the OpenCV DNN backend
type SCRFD struct {
	net         gocv.Net
	inputWidth  int
	inputHeight int
	confThresh  float32
	nmsThresh   float32
	loaded      bool
}

// NewSCRFD loads the SCRFD model from modelDir, which must contain
// scrfd.onnx.  confThresh filters detections; nmsThresh is the IoU used for
// non-maximum suppression.
func NewSCRFD(modelDir string, confThresh, nmsThresh float32) (*SCRFD, error) {

	modelPath := filepath.Join(modelDir, "scrfd.onnx")

	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file not found: %w", err)
	}

	net := gocv.ReadNetFromONNX(modelPath)

	if net.Empty() {
		return nil, fmt.Errorf("failed to load model %s", modelPath)
	}

	return &SCRFD{
		net:         net,
		inputWidth:  640,
		inputHeight: 640,
		confThresh:  confThresh,
		nmsThresh:   nmsThresh,
		loaded:      true,
	}, nil
}

// Close releases the underlying network
func (d *SCRFD) Close() error {
	if !d.loaded {
		return nil
	}
	d.loaded = false
	return d.net.Close()
}

// Detect runs the detector on a contiguous RGB buffer and returns faces in
// absolute pixel coordinates, NMS-filtered and sorted by descending score
func (d *SCRFD) Detect(rgb []uint8, width, height int) ([]Face, error) {

	if !d.loaded {
		return nil, fmt.Errorf("detector is closed")
	}
	if width <= 0 || height <= 0 || len(rgb) < width*height*3 {
		return nil, fmt.Errorf("invalid image buffer %dx%d", width, height)
	}

	src, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC3, rgb)
	if err != nil {
		return nil, fmt.Errorf("error wrapping image: %w", err)
	}
	defer src.Close()

	// letterbox to the model input size
	scale := minf(float32(d.inputWidth)/float32(width),
		float32(d.inputHeight)/float32(height))
	newW := int(float32(width) * scale)
	newH := int(float32(height) * scale)

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(src, &resized, image.Pt(newW, newH), 0, 0, gocv.InterpolationLinear)

	padded := gocv.NewMat()
	defer padded.Close()
	gocv.CopyMakeBorder(resized, &padded, 0, d.inputHeight-newH, 0,
		d.inputWidth-newW, gocv.BorderConstant, color.RGBA{})

	// normalize to (pixel - 127.5) / 128
	blob := gocv.BlobFromImage(padded, 1.0/128.0,
		image.Pt(d.inputWidth, d.inputHeight),
		gocv.NewScalar(127.5, 127.5, 127.5, 0), false, false)
	defer blob.Close()

	d.net.SetInput(blob, "")

	outputs := d.net.ForwardLayers(scrfdOutputNames)
	defer func() {
		for i := range outputs {
			outputs[i].Close()
		}
	}()

	if len(outputs) != len(scrfdOutputNames) {
		return nil, fmt.Errorf("unexpected model output count %d", len(outputs))
	}

	var all []Face

	for s, stride := range scrfdStrides {

		scores, err := outputs[s].DataPtrFloat32()
		if err != nil {
			return nil, fmt.Errorf("error reading scores: %w", err)
		}
		boxes, err := outputs[3+s].DataPtrFloat32()
		if err != nil {
			return nil, fmt.Errorf("error reading boxes: %w", err)
		}
		kps, err := outputs[6+s].DataPtrFloat32()
		if err != nil {
			return nil, fmt.Errorf("error reading keypoints: %w", err)
		}

		all = append(all, d.decodeStride(scores, boxes, kps, stride, scale,
			width, height)...)
	}

	keep := nmsFaces(all, d.nmsThresh)

	sort.Slice(keep, func(i, j int) bool {
		return keep[i].Score > keep[j].Score
	})

	return keep, nil
}

// decodeStride converts one head's distance-format predictions back into
// pixel-space faces.  Predictions are laid out position-major with
// scrfdNumAnchors entries per position.
func (d *SCRFD) decodeStride(scores, boxes, kps []float32, stride int,
	scale float32, width, height int) []Face {

	fmW := d.inputWidth / stride
	fmH := d.inputHeight / stride

	var faces []Face

	for pos := 0; pos < fmW*fmH; pos++ {
		for a := 0; a < scrfdNumAnchors; a++ {

			i := pos*scrfdNumAnchors + a

			if i >= len(scores) || scores[i] < d.confThresh {
				continue
			}

			// anchor center in model input pixels
			cx := (float32(pos%fmW) + 0.5) * float32(stride)
			cy := (float32(pos/fmW) + 0.5) * float32(stride)

			// distances to the four sides
			dl := boxes[i*4+0] * float32(stride)
			dt := boxes[i*4+1] * float32(stride)
			dr := boxes[i*4+2] * float32(stride)
			db := boxes[i*4+3] * float32(stride)

			x1 := clampf((cx-dl)/scale, 0, float32(width))
			y1 := clampf((cy-dt)/scale, 0, float32(height))
			x2 := clampf((cx+dr)/scale, 0, float32(width))
			y2 := clampf((cy+db)/scale, 0, float32(height))

			face := Face{
				Box:          [4]float32{x1, y1, x2, y2},
				Score:        scores[i],
				HasLandmarks: true,
			}

			for k := 0; k < 5; k++ {
				face.Landmarks[k][0] = (cx + kps[i*10+k*2]*float32(stride)) / scale
				face.Landmarks[k][1] = (cy + kps[i*10+k*2+1]*float32(stride)) / scale
			}

			faces = append(faces, face)
		}
	}

	return faces
}

// nmsFaces greedily suppresses lower-scored faces overlapping a kept face by
// more than the threshold
func nmsFaces(faces []Face, thresh float32) []Face {

	if len(faces) <= 1 {
		return faces
	}

	order := make([]int, len(faces))
	for i := range order {
		order[i] = i
	}

	sort.Slice(order, func(i, j int) bool {
		return faces[order[i]].Score > faces[order[j]].Score
	})

	suppressed := make([]bool, len(faces))
	var keep []Face

	for _, idx := range order {
		if suppressed[idx] {
			continue
		}
		keep = append(keep, faces[idx])

		for _, other := range order {
			if suppressed[other] || other == idx {
				continue
			}
			if faceIoU(faces[idx].Box, faces[other].Box) > thresh {
				suppressed[other] = true
			}
		}
	}

	return keep
}

// faceIoU computes the IoU of two pixel-space boxes
func faceIoU(a, b [4]float32) float32 {

	x1 := maxf(a[0], b[0])
	y1 := maxf(a[1], b[1])
	x2 := minf(a[2], b[2])
	y2 := minf(a[3], b[3])

	iw := maxf(0, x2-x1)
	ih := maxf(0, y2-y1)
	inter := iw * ih

	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])

	return inter / (areaA + areaB - inter + 1e-6)
}

// minf returns the smaller of two float32 values
func minf(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

// maxf returns the larger of two float32 values
func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

// clampf restricts v to the range lo..hi
func clampf(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
