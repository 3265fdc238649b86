package reid

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"
)

// MobileFaceNet is an Embedder backed by a MobileFaceNet ONNX model run
// through the OpenCV DNN backend.  It expects 112x112 aligned RGB crops and
// produces 128-D embeddings.
type MobileFaceNet struct {
	net    gocv.Net
	loaded bool
}

// NewMobileFaceNet loads the embedding model from modelDir, preferring
// mobilefacenet-opt.onnx over mobilefacenet.onnx
func NewMobileFaceNet(modelDir string) (*MobileFaceNet, error) {

	modelPath := filepath.Join(modelDir, "mobilefacenet-opt.onnx")

	if _, err := os.Stat(modelPath); err != nil {
		modelPath = filepath.Join(modelDir, "mobilefacenet.onnx")
	}

	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file not found: %w", err)
	}

	net := gocv.ReadNetFromONNX(modelPath)

	if net.Empty() {
		return nil, fmt.Errorf("failed to load model %s", modelPath)
	}

	return &MobileFaceNet{net: net, loaded: true}, nil
}

// Close releases the underlying network
func (m *MobileFaceNet) Close() error {
	if !m.loaded {
		return nil
	}
	m.loaded = false
	return m.net.Close()
}

// Embed runs the model on an aligned crop and returns the raw embedding
func (m *MobileFaceNet) Embed(rgb []uint8, width, height int) ([]float32, error) {

	if !m.loaded {
		return nil, fmt.Errorf("embedder is closed")
	}
	if width != alignSize || height != alignSize || len(rgb) < width*height*3 {
		return nil, fmt.Errorf("expected aligned %dx%d crop, got %dx%d",
			alignSize, alignSize, width, height)
	}

	src, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC3, rgb)
	if err != nil {
		return nil, fmt.Errorf("error wrapping crop: %w", err)
	}
	defer src.Close()

	blob := gocv.BlobFromImage(src, 1.0/128.0, image.Pt(width, height),
		gocv.NewScalar(127.5, 127.5, 127.5, 0), false, false)
	defer blob.Close()

	m.net.SetInput(blob, "")

	out := m.net.Forward("")
	defer out.Close()

	data, err := out.DataPtrFloat32()

	if err != nil {
		return nil, fmt.Errorf("error reading embedding: %w", err)
	}

	if len(data) != Dim {
		return nil, fmt.Errorf("unexpected embedding size %d", len(data))
	}

	feat := make([]float32, Dim)
	copy(feat, data)

	return feat, nil
}
