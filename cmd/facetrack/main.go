// facetrack detects faces in a single image or tracks them across an
// ordered frame sequence, emitting JSON on stdout for the downstream blur
// mask authoring tool.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/pluginplay/faceblur/detect"
	"github.com/pluginplay/faceblur/imageio"
	"github.com/pluginplay/faceblur/pipeline"
	"github.com/pluginplay/faceblur/reid"
	"github.com/pluginplay/faceblur/tracker"
)

// Exit codes
const (
	exitSuccess        = 0
	exitInvalidArgs    = 1
	exitModelNotFound  = 2
	exitImageLoadError = 3
	exitInferenceError = 4
	exitNoInput        = 5
	exitSelfTestFailed = 6
)

func main() {
	os.Exit(run())
}

func run() int {

	var (
		modelDir      = flag.String("model", "", "directory containing scrfd.onnx")
		imagePath     = flag.String("image", "", "single image path (detection mode)")
		trackMode     = flag.Bool("track", false, "tracking mode, reads image paths from stdin")
		imagesFile    = flag.String("images-file", "", "file containing image paths, one per line")
		confThresh    = flag.Float64("conf", 0.5, "confidence threshold")
		nmsThresh     = flag.Float64("nms", 0.4, "NMS IoU threshold")
		iouThresh     = flag.Float64("iou", 0.15, "tracking IoU threshold")
		detectionFPS  = flag.Float64("detection-fps", 5.0, "detection sampling rate")
		videoFPS      = flag.Float64("video-fps", 30.0, "source video FPS")
		reidModelDir  = flag.String("reid-model", "", "optional dir containing mobilefacenet ONNX model")
		reidWeight    = flag.Float64("reid-weight", 0.35, "ReID appearance weight")
		reidCosThresh = flag.Float64("reid-cos", 0.35, "ReID cosine gate threshold")
		testOcsort    = flag.Bool("test-ocsort", false, "run a deterministic OC-SORT self-test")
	)

	flag.Usage = printUsage
	flag.Parse()

	log.SetFlags(0)
	log.SetOutput(os.Stderr)

	if *testOcsort {
		return runOcsortSelfTest()
	}

	if *modelDir == "" {
		log.Print("Error: --model is required\n")
		printUsage()
		return exitInvalidArgs
	}

	if *trackMode || *imagesFile != "" {
		var paths []string
		var err error

		if *imagesFile != "" {
			paths, err = readPathsFromFile(*imagesFile)
			if err != nil {
				log.Printf("Error: failed to read %s: %v", *imagesFile, err)
				return exitNoInput
			}
		} else {
			paths = readPaths(os.Stdin)
		}

		return runTracking(*modelDir, paths, pipeline.Config{
			ConfThresh:    float32(*confThresh),
			IoUThresh:     float32(*iouThresh),
			DetectionFPS:  float32(*detectionFPS),
			VideoFPS:      float32(*videoFPS),
			ReidWeight:    float32(*reidWeight),
			ReidCosThresh: float32(*reidCosThresh),
		}, *nmsThresh, *reidModelDir)
	}

	if *imagePath != "" {
		return runDetection(*modelDir, *imagePath, float32(*confThresh),
			float32(*nmsThresh))
	}

	log.Print("Error: either --image or --track is required\n")
	printUsage()
	return exitInvalidArgs
}

func printUsage() {
	prog := os.Args[0]
	fmt.Fprintf(os.Stderr, "Face Detection and Tracking Pipeline\n\n")
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  Single image detection:\n")
	fmt.Fprintf(os.Stderr, "    %s --model <dir> --image <path> [--conf <float>] [--nms <float>]\n\n", prog)
	fmt.Fprintf(os.Stderr, "  Multi-frame tracking:\n")
	fmt.Fprintf(os.Stderr, "    %s --model <dir> --track [options]\n", prog)
	fmt.Fprintf(os.Stderr, "    (reads image paths from stdin, one per line, or from --images-file)\n\n")
	fmt.Fprintf(os.Stderr, "Options:\n")
	fmt.Fprintf(os.Stderr, "  --model <dir>        Directory containing scrfd.onnx\n")
	fmt.Fprintf(os.Stderr, "  --image <path>       Single image path (detection mode)\n")
	fmt.Fprintf(os.Stderr, "  --track              Enable tracking mode (reads paths from stdin)\n")
	fmt.Fprintf(os.Stderr, "  --images-file <path> File containing image paths, one per line\n")
	fmt.Fprintf(os.Stderr, "  --conf <float>       Confidence threshold (default: 0.5)\n")
	fmt.Fprintf(os.Stderr, "  --nms <float>        NMS IoU threshold (default: 0.4)\n")
	fmt.Fprintf(os.Stderr, "  --iou <float>        Tracking IoU threshold (default: 0.15)\n")
	fmt.Fprintf(os.Stderr, "  --detection-fps <f>  Detection sampling rate (default: 5.0)\n")
	fmt.Fprintf(os.Stderr, "  --video-fps <float>  Source video FPS (default: 30.0)\n")
	fmt.Fprintf(os.Stderr, "  --reid-model <dir>   Optional dir containing mobilefacenet ONNX model\n")
	fmt.Fprintf(os.Stderr, "  --reid-weight <f>    ReID appearance weight (default: 0.35)\n")
	fmt.Fprintf(os.Stderr, "  --reid-cos <f>       ReID cosine gate threshold (default: 0.35)\n")
	fmt.Fprintf(os.Stderr, "  --test-ocsort        Run a deterministic OC-SORT self-test\n")
	fmt.Fprintf(os.Stderr, "\nOutput: JSON to stdout\n")
	fmt.Fprintf(os.Stderr, "\nExit codes:\n")
	fmt.Fprintf(os.Stderr, "  0 - Success\n")
	fmt.Fprintf(os.Stderr, "  1 - Invalid arguments\n")
	fmt.Fprintf(os.Stderr, "  2 - Model files not found\n")
	fmt.Fprintf(os.Stderr, "  3 - Image load failed\n")
	fmt.Fprintf(os.Stderr, "  4 - Inference error\n")
	fmt.Fprintf(os.Stderr, "  5 - No input provided\n")
	fmt.Fprintf(os.Stderr, "  6 - Self-test failed\n")
}

// readPaths reads image paths, one per line, trimming whitespace and
// skipping blank lines
func readPaths(f *os.File) []string {

	var paths []string
	scanner := bufio.NewScanner(f)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			paths = append(paths, line)
		}
	}

	return paths
}

// readPathsFromFile reads image paths from a file, one per line
func readPathsFromFile(filepath string) ([]string, error) {

	f, err := os.Open(filepath)

	if err != nil {
		return nil, err
	}

	defer f.Close()

	return readPaths(f), nil
}

// detectionJSON is the single-image output document
type detectionJSON struct {
	Image  string     `json:"image"`
	Width  int        `json:"width"`
	Height int        `json:"height"`
	Faces  []faceJSON `json:"faces"`
}

type faceJSON struct {
	BBox       [4]float32    `json:"bbox"`
	Confidence float32       `json:"confidence"`
	Landmarks  [5][2]float32 `json:"landmarks"`
}

// runDetection handles single image detection mode
func runDetection(modelDir, imagePath string, confThresh, nmsThresh float32) int {

	detector, err := detect.NewSCRFD(modelDir, confThresh, nmsThresh)

	if err != nil {
		log.Printf("Error: failed to load model from %s: %v", modelDir, err)
		return exitModelNotFound
	}

	defer detector.Close()

	rgb, width, height, err := imageio.Load(imagePath)

	if err != nil {
		log.Printf("Error: failed to load image %s: %v", imagePath, err)
		return exitImageLoadError
	}

	faces, err := detector.Detect(rgb, width, height)

	if err != nil {
		log.Printf("Error: inference failed: %v", err)
		return exitInferenceError
	}

	doc := detectionJSON{
		Image:  imagePath,
		Width:  width,
		Height: height,
		Faces:  make([]faceJSON, 0, len(faces)),
	}

	for _, f := range faces {
		doc.Faces = append(doc.Faces, faceJSON{
			BBox:       f.Box,
			Confidence: f.Score,
			Landmarks:  f.Landmarks,
		})
	}

	return writeJSON(doc)
}

// trackingJSON is the tracking output document
type trackingJSON struct {
	Tracks     []trackJSON `json:"tracks"`
	FrameCount int         `json:"frameCount"`
}

type trackJSON struct {
	ID     int              `json:"id"`
	Frames []trackFrameJSON `json:"frames"`
}

type trackFrameJSON struct {
	FrameIndex int        `json:"frameIndex"`
	BBox       [4]float32 `json:"bbox"`
	Confidence float32    `json:"confidence"`
}

// runTracking handles multi-frame tracking mode
func runTracking(modelDir string, imagePaths []string, cfg pipeline.Config,
	nmsThresh float64, reidModelDir string) int {

	if len(imagePaths) == 0 {
		log.Print("Error: no image paths provided")
		return exitNoInput
	}

	detector, err := detect.NewSCRFD(modelDir, cfg.ConfThresh, float32(nmsThresh))

	if err != nil {
		log.Printf("Error: failed to load model from %s: %v", modelDir, err)
		return exitModelNotFound
	}

	defer detector.Close()

	p := pipeline.New(cfg, detector, imageio.Load)

	if reidModelDir != "" {
		embedder, err := reid.NewMobileFaceNet(reidModelDir)

		if err != nil {
			log.Printf("Error: failed to load ReID model from %s: %v", reidModelDir, err)
			return exitModelNotFound
		}

		defer embedder.Close()
		p.UseReID(reid.NewAligned(embedder))
	}

	result, err := p.Process(context.Background(), imagePaths)

	if err != nil {
		log.Printf("Error: %v", err)
		return exitInferenceError
	}

	doc := trackingJSON{
		Tracks:     make([]trackJSON, 0, len(result.Tracks)),
		FrameCount: result.FrameCount,
	}

	for _, track := range result.Tracks {
		tj := trackJSON{
			ID:     track.ID,
			Frames: make([]trackFrameJSON, 0, len(track.Frames)),
		}
		for _, f := range track.Frames {
			tj.Frames = append(tj.Frames, trackFrameJSON{
				FrameIndex: f.FrameIndex,
				BBox:       [4]float32{f.BBox.X1, f.BBox.Y1, f.BBox.X2, f.BBox.Y2},
				Confidence: f.Confidence,
			})
		}
		doc.Tracks = append(doc.Tracks, tj)
	}

	return writeJSON(doc)
}

// writeJSON emits a document on stdout
func writeJSON(doc any) int {

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(doc); err != nil {
		log.Printf("Error: failed to encode output: %v", err)
		return exitInferenceError
	}

	return exitSuccess
}

// runOcsortSelfTest exercises the occlusion re-update path on a single
// track: observe rightward motion, lose the object for five frames,
// re-observe far to the right, and require the next prediction to keep
// moving right.
func runOcsortSelfTest() int {

	makeDet := func(cx, cy, w, h, score float32) tracker.Detection {
		return tracker.Detection{
			BBox:  tracker.BBox{X1: cx - w/2, Y1: cy - h/2, X2: cx + w/2, Y2: cy + h/2},
			Score: score,
		}
	}

	trk := tracker.NewKalmanBoxTracker(makeDet(0.20, 0.50, 0.10, 0.10, 1.0), 0, 3)

	// frames 1-2: observe motion
	for f := 1; f <= 2; f++ {
		trk.Predict()
		det := makeDet(0.20+0.05*float32(f), 0.50, 0.10, 0.10, 1.0)
		trk.Update(&det)
	}

	// frames 3-7: occlusion
	for f := 3; f <= 7; f++ {
		trk.Predict()
		trk.Update(nil)
	}

	// frame 8: re-activation
	trk.Predict()
	det := makeDet(0.80, 0.50, 0.10, 0.10, 1.0)
	trk.Update(&det)
	cx8 := trk.GetState().CenterX()

	// frame 9: prediction should keep moving right
	cx9 := trk.Predict().CenterX()

	if !(cx9 > cx8+0.02) {
		log.Printf("OC-SORT self-test failed: expected positive velocity after re-update (cx8=%.4f, cx9=%.4f)", cx8, cx9)
		return exitSelfTestFailed
	}

	log.Printf("OC-SORT self-test passed (cx8=%.4f, cx9=%.4f)", cx8, cx9)
	return exitSuccess
}
