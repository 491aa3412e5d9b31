// Package opencv provides gocv-backed landmark detectors.
package opencv

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	"github.com/teslashibe/go-mirror/pkg/camera"
	"github.com/teslashibe/go-mirror/pkg/landmarks"
	"gocv.io/x/gocv"
)

// Config configures the YuNet detector.
type Config struct {
	ModelPath        string
	ConfidenceThresh float64
	InputWidth       int
	InputHeight      int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ModelPath:        "models/face_detection_yunet_2023mar.onnx",
		ConfidenceThresh: 0.6,
		InputWidth:       320,
		InputHeight:      320,
	}
}

// YuNet detects faces with OpenCV's FaceDetectorYN. It only yields five
// keypoints, so they are spread onto the mesh indices the region table
// reads; brows, cheeks and the face outline are derived from the box.
// No hands.
type YuNet struct {
	detector gocv.FaceDetectorYN
	mu       sync.Mutex
}

// NewYuNet loads the ONNX model.
func NewYuNet(cfg Config) (*YuNet, error) {
	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: model file not found: %s", landmarks.ErrBackendUnavailable, cfg.ModelPath)
	}
	detector := gocv.NewFaceDetectorYNWithParams(
		cfg.ModelPath,
		"",
		image.Pt(cfg.InputWidth, cfg.InputHeight),
		float32(cfg.ConfidenceThresh),
		0.3,
		5000,
		int(gocv.NetBackendDefault),
		int(gocv.NetTargetCPU),
	)
	return &YuNet{detector: detector}, nil
}

// Name implements landmarks.Detector.
func (y *YuNet) Name() string { return "yunet" }

// Capabilities implements landmarks.Capable.
func (y *YuNet) Capabilities() landmarks.Capabilities {
	return landmarks.Capabilities{Face: true}
}

// Detect implements landmarks.Detector.
func (y *YuNet) Detect(ctx context.Context, frame camera.Frame) (landmarks.Result, error) {
	if err := ctx.Err(); err != nil {
		return landmarks.Result{}, err
	}
	if frame.Empty() {
		return landmarks.Result{}, nil
	}

	img, err := gocv.ImageToMatRGB(frame.Image)
	if err != nil {
		return landmarks.Result{}, fmt.Errorf("convert frame: %w", err)
	}
	defer img.Close()

	y.mu.Lock()
	defer y.mu.Unlock()

	w, h := float64(img.Cols()), float64(img.Rows())
	y.detector.SetInputSize(image.Pt(img.Cols(), img.Rows()))

	faces := gocv.NewMat()
	defer faces.Close()
	y.detector.Detect(img, &faces)

	// Rows: box x,y,w,h; five keypoints (eye, eye, nose, mouth, mouth)
	// as x,y pairs in pixels; score. Take the best-scoring face.
	best, bestScore := -1, 0.0
	for r := 0; r < faces.Rows(); r++ {
		if s := float64(faces.GetFloatAt(r, 14)); s > bestScore {
			best, bestScore = r, s
		}
	}
	if best < 0 {
		return landmarks.Result{}, nil
	}

	at := func(col int) float64 { return float64(faces.GetFloatAt(best, col)) }
	pt := func(col int) landmarks.Point {
		return landmarks.Point{X: at(col) / w, Y: at(col+1) / h}
	}
	box := landmarks.Box{
		MinX: at(0) / w,
		MinY: at(1) / h,
		MaxX: (at(0) + at(2)) / w,
		MaxY: (at(1) + at(3)) / h,
	}
	return landmarks.Result{Face: FromKeypoints(box, [5]landmarks.Point{pt(4), pt(6), pt(8), pt(10), pt(12)}, bestScore)}, nil
}

// Close releases the detector.
func (y *YuNet) Close() error {
	y.mu.Lock()
	defer y.mu.Unlock()
	y.detector.Close()
	return nil
}

// FromKeypoints builds a sparse mesh from a face box and YuNet's five
// keypoints, ordered image-left eye, image-right eye, nose, image-left
// mouth corner, image-right mouth corner.
func FromKeypoints(box landmarks.Box, kp [5]landmarks.Point, score float64) landmarks.Set {
	eyeL, eyeR, nose, mouthL, mouthR := kp[0], kp[1], kp[2], kp[3], kp[4]
	bw, bh := box.Width(), box.Height()
	mouth := landmarks.Point{X: (mouthL.X + mouthR.X) / 2, Y: (mouthL.Y + mouthR.Y) / 2}

	pts := map[int]landmarks.Point{
		1:   nose,
		61:  mouthL,
		291: mouthR,
		13:  {X: mouth.X, Y: mouth.Y - 0.01*bh},
		14:  {X: mouth.X, Y: mouth.Y + 0.01*bh},
		33:  {X: eyeL.X - 0.06*bw, Y: eyeL.Y},
		133: {X: eyeL.X + 0.06*bw, Y: eyeL.Y},
		362: {X: eyeR.X - 0.06*bw, Y: eyeR.Y},
		263: {X: eyeR.X + 0.06*bw, Y: eyeR.Y},
		205: {X: (eyeL.X + mouthL.X) / 2, Y: (nose.Y + mouth.Y) / 2},
		425: {X: (eyeR.X + mouthR.X) / 2, Y: (nose.Y + mouth.Y) / 2},
		10:  {X: box.Center().X, Y: box.MinY},
		151: {X: box.Center().X, Y: box.MinY + 0.1*bh},
		152: {X: box.Center().X, Y: box.MaxY},
		234: {X: box.MinX, Y: nose.Y},
		454: {X: box.MaxX, Y: nose.Y},
	}
	browY := func(eye landmarks.Point) float64 { return eye.Y - 0.12*bh }
	for i, idx := range []int{70, 63, 105, 66, 107} {
		pts[idx] = landmarks.Point{X: eyeL.X + (float64(i)-2)*0.04*bw, Y: browY(eyeL)}
	}
	for i, idx := range []int{336, 296, 334, 293, 300} {
		pts[idx] = landmarks.Point{X: eyeR.X + (float64(i)-2)*0.04*bw, Y: browY(eyeR)}
	}
	return landmarks.Set{Points: pts, Present: true, Score: score}
}
