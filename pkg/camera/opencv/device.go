// Package opencv provides the gocv-backed camera device.
package opencv

import (
	"image"
	"image/draw"
	"runtime"
	"sync"
	"time"

	"github.com/teslashibe/go-mirror/internal/log"
	"github.com/teslashibe/go-mirror/pkg/camera"
	"gocv.io/x/gocv"
)

// Device reads frames from a local camera through OpenCV.
type Device struct {
	cfg camera.Config

	mu     sync.Mutex
	vc     *gocv.VideoCapture
	mat    gocv.Mat
	seq    uint64
	status camera.Status
}

// New returns an unopened device. It satisfies camera.Opener.
func New(cfg camera.Config) camera.Source {
	return &Device{cfg: cfg, status: camera.StatusOff}
}

// backends lists capture APIs to try, platform-specific first.
func backends() []gocv.VideoCaptureAPI {
	switch runtime.GOOS {
	case "darwin":
		return []gocv.VideoCaptureAPI{gocv.VideoCaptureAVFoundation, gocv.VideoCaptureAny}
	case "linux":
		return []gocv.VideoCaptureAPI{gocv.VideoCaptureV4L2, gocv.VideoCaptureAny}
	default:
		return []gocv.VideoCaptureAPI{gocv.VideoCaptureAny}
	}
}

// Open tries each backend until one delivers an opened capture.
func (d *Device) Open() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.vc != nil && d.vc.IsOpened() {
		return true
	}

	logger := log.Component("camera.opencv")
	for _, api := range backends() {
		vc, err := gocv.OpenVideoCaptureWithAPI(d.cfg.Device, api)
		if err != nil {
			logger.Debug("capture backend failed, trying next", "api", api, "error", err)
			continue
		}
		if !vc.IsOpened() {
			vc.Close()
			continue
		}
		vc.Set(gocv.VideoCaptureFrameWidth, float64(d.cfg.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(d.cfg.Height))
		vc.Set(gocv.VideoCaptureFPS, float64(d.cfg.Framerate))

		d.vc = vc
		d.mat = gocv.NewMat()
		d.status = camera.StatusOn
		return true
	}

	d.status = camera.StatusOff
	return false
}

// Read grabs the next frame and converts it to RGBA.
func (d *Device) Read() (camera.Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.vc == nil {
		return camera.Frame{}, false
	}
	if ok := d.vc.Read(&d.mat); !ok || d.mat.Empty() {
		return camera.Frame{}, false
	}
	ts := time.Now()

	img, err := d.mat.ToImage()
	if err != nil {
		return camera.Frame{}, false
	}
	rgba, ok := img.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(img.Bounds())
		draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	}

	d.seq++
	return camera.Frame{Image: rgba, Seq: d.seq, CapturedAt: ts}, true
}

// Close releases the capture device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.status = camera.StatusOff
	if d.vc == nil {
		return nil
	}
	err := d.vc.Close()
	d.mat.Close()
	d.vc = nil
	return err
}

// Status reports on while the capture is open.
func (d *Device) Status() camera.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}
