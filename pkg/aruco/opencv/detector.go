// Package opencv provides the gocv ArUco marker detector.
package opencv

import (
	"fmt"
	"sync"

	"github.com/teslashibe/go-mirror/pkg/aruco"
	"github.com/teslashibe/go-mirror/pkg/camera"
	"gocv.io/x/gocv"
)

// Dictionary is the marker dictionary printed by cmd/aruco-gen.
const Dictionary = gocv.ArucoDict5x5_250

// Detector finds DICT_5X5_250 markers on a gray copy of the frame.
type Detector struct {
	mu       sync.Mutex
	detector gocv.ArucoDetector
}

// New returns a detector with default parameters.
func New() *Detector {
	dict := gocv.GetPredefinedDictionary(Dictionary)
	params := gocv.NewArucoDetectorParameters()
	return &Detector{detector: gocv.NewArucoDetectorWithParams(dict, params)}
}

// DetectMarkers implements aruco.MarkerDetector.
func (d *Detector) DetectMarkers(frame camera.Frame) ([]aruco.Raw, error) {
	if frame.Empty() {
		return nil, nil
	}
	img, err := gocv.ImageToMatRGB(frame.Image)
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	defer img.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	d.mu.Lock()
	corners, ids, _ := d.detector.DetectMarkers(gray)
	d.mu.Unlock()

	out := make([]aruco.Raw, 0, len(ids))
	for i, id := range ids {
		if i >= len(corners) || len(corners[i]) < 4 {
			continue
		}
		raw := aruco.Raw{ID: id}
		for j := 0; j < 4; j++ {
			raw.Corners[j] = aruco.Point{X: float64(corners[i][j].X), Y: float64(corners[i][j].Y)}
		}
		out = append(out, raw)
	}
	return out, nil
}

// Close releases the detector.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detector.Close()
	return nil
}
