package cloudassist

import (
	"image"

	"github.com/teslashibe/go-mirror/pkg/camera"
	"github.com/teslashibe/go-mirror/pkg/landmarks"
)

// ROI defaults.
const (
	DefaultROIPadding = 0.2
	DefaultROIQuality = 70
)

// ROIImage is an encoded crop plus where it sits in the full frame.
type ROIImage struct {
	JPEG   []byte
	Region landmarks.Box // normalized full-frame box of the crop
}

// toFrame maps a crop-normalized point into full-frame coordinates.
func (r ROIImage) toFrame(p landmarks.Point) landmarks.Point {
	return landmarks.Point{
		X: r.Region.MinX + p.X*r.Region.Width(),
		Y: r.Region.MinY + p.Y*r.Region.Height(),
	}
}

// ROI crops the frame to the face box padded by pad on every side and
// encodes it. quality <= 0 uses 70.
func ROI(frame camera.Frame, face landmarks.Box, pad float64, quality int) (ROIImage, error) {
	if frame.Empty() {
		return ROIImage{}, ErrEmptyImage
	}
	if quality <= 0 {
		quality = DefaultROIQuality
	}
	w, h := float64(frame.Width()), float64(frame.Height())
	padX, padY := face.Width()*pad, face.Height()*pad
	region := landmarks.Box{
		MinX: max(0, face.MinX-padX),
		MinY: max(0, face.MinY-padY),
		MaxX: min(1, face.MaxX+padX),
		MaxY: min(1, face.MaxY+padY),
	}
	rect := image.Rect(int(region.MinX*w), int(region.MinY*h), int(region.MaxX*w), int(region.MaxY*h))
	crop := frame.Crop(rect)
	if crop.Empty() {
		return ROIImage{}, ErrEmptyImage
	}
	// Use the pixel-snapped box so mapping back is exact.
	region = landmarks.Box{
		MinX: float64(rect.Min.X) / w,
		MinY: float64(rect.Min.Y) / h,
		MaxX: float64(rect.Min.X+crop.Width()) / w,
		MaxY: float64(rect.Min.Y+crop.Height()) / h,
	}
	data, err := camera.EncodeJPEG(crop, quality)
	if err != nil {
		return ROIImage{}, err
	}
	return ROIImage{JPEG: data, Region: region}, nil
}
