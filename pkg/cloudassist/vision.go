package cloudassist

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image/jpeg"
	"os"
	"time"

	"github.com/teslashibe/go-mirror/internal/httpc"
	"github.com/teslashibe/go-mirror/pkg/landmarks"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	vision "google.golang.org/api/vision/v1"
)

const visionProvider = "google-vision"

// Vision landmark types. LEFT/RIGHT are the subject's; region names are
// image-space (the camera is not mirrored), so they swap.
var visionLandmarks = map[string]string{
	"MOUTH_CENTER":       "mouth_center",
	"MOUTH_LEFT":         "mouth_right",
	"MOUTH_RIGHT":        "mouth_left",
	"LEFT_CHEEK_CENTER":  "cheek_right",
	"RIGHT_CHEEK_CENTER": "cheek_left",

	"LEFT_OF_LEFT_EYEBROW":   "left_of_left_eyebrow",
	"RIGHT_OF_LEFT_EYEBROW":  "right_of_left_eyebrow",
	"LEFT_OF_RIGHT_EYEBROW":  "left_of_right_eyebrow",
	"RIGHT_OF_RIGHT_EYEBROW": "right_of_right_eyebrow",
}

// GoogleVision calls Cloud Vision FACE_DETECTION.
type GoogleVision struct {
	svc *vision.Service
}

// NewGoogleVision builds a client from application default credentials,
// or from an API key when apiKey is set. Requests ride on the shared
// httpc transport.
func NewGoogleVision(ctx context.Context, apiKey string) (*GoogleVision, error) {
	var opts []option.ClientOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey), option.WithHTTPClient(httpc.Client))
	} else {
		if os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") == "" {
			return nil, ErrNoCredentials
		}
		creds, err := google.FindDefaultCredentials(ctx, vision.CloudVisionScope)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoCredentials, err)
		}
		base := context.WithValue(ctx, oauth2.HTTPClient, httpc.Client)
		opts = append(opts, option.WithHTTPClient(oauth2.NewClient(base, creds.TokenSource)))
	}

	svc, err := vision.NewService(ctx, opts...)
	if err != nil {
		return nil, WrapError(visionProvider, err)
	}
	return &GoogleVision{svc: svc}, nil
}

// Name implements Provider.
func (g *GoogleVision) Name() string { return visionProvider }

// DetectFace implements Provider.
func (g *GoogleVision) DetectFace(ctx context.Context, data []byte) (*Result, error) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil || cfg.Width == 0 || cfg.Height == 0 {
		return nil, ErrEmptyImage
	}

	req := &vision.BatchAnnotateImagesRequest{
		Requests: []*vision.AnnotateImageRequest{{
			Image:    &vision.Image{Content: base64.StdEncoding.EncodeToString(data)},
			Features: []*vision.Feature{{Type: "FACE_DETECTION", MaxResults: 1}},
		}},
	}

	start := time.Now()
	resp, err := g.svc.Images.Annotate(req).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			return nil, &APIError{StatusCode: gerr.Code, Message: gerr.Message, Provider: visionProvider}
		}
		return nil, WrapError(visionProvider, err)
	}
	if len(resp.Responses) == 0 {
		return nil, WrapError(visionProvider, errors.New("empty response"))
	}
	r := resp.Responses[0]
	if r.Error != nil && r.Error.Message != "" {
		return nil, &APIError{StatusCode: int(r.Error.Code), Message: r.Error.Message, Provider: visionProvider}
	}

	return parseFace(r.FaceAnnotations, float64(cfg.Width), float64(cfg.Height), time.Since(start)), nil
}

func parseFace(faces []*vision.FaceAnnotation, w, h float64, latency time.Duration) *Result {
	res := &Result{Landmarks: map[string]landmarks.Point{}, Latency: latency, At: time.Now()}
	if len(faces) == 0 {
		return res
	}
	face := faces[0]
	for _, lm := range face.Landmarks {
		name, ok := visionLandmarks[lm.Type]
		if !ok || lm.Position == nil {
			continue
		}
		res.Landmarks[name] = landmarks.Point{X: lm.Position.X / w, Y: lm.Position.Y / h}
	}
	deriveBrows(res.Landmarks)
	res.OK = len(res.Landmarks) > 0
	res.Confidence = confidence(face.LandmarkingConfidence, face.DetectionConfidence)
	return res
}

// deriveBrows adds brow_left and brow_right (image-space) as the mean of
// each eyebrow's two ends, matching the local region names.
func deriveBrows(m map[string]landmarks.Point) {
	pair := func(dst, a, b string) {
		p, okA := m[a]
		q, okB := m[b]
		if okA && okB {
			m[dst] = landmarks.Point{X: (p.X + q.X) / 2, Y: (p.Y + q.Y) / 2}
		}
	}
	pair("brow_left", "left_of_right_eyebrow", "right_of_right_eyebrow")
	pair("brow_right", "left_of_left_eyebrow", "right_of_left_eyebrow")
}
