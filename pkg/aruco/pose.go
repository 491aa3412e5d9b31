package aruco

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

// DefaultMarkerSize is the printed marker edge in metres.
const DefaultMarkerSize = 0.032

// Intrinsics is a pinhole camera model with OpenCV distortion
// coefficients (k1, k2, p1, p2[, k3]).
type Intrinsics struct {
	K           [9]float64
	Dist        []float64
	ImageWidth  int
	ImageHeight int
}

// matrixField accepts both a flat sequence and OpenCV's
// !!opencv-matrix mapping with a data key.
type matrixField []float64

func (m *matrixField) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var v []float64
		if err := node.Decode(&v); err != nil {
			return err
		}
		*m = v
		return nil
	case yaml.MappingNode:
		node.Tag = "!!map"
		var v struct {
			Data []float64 `yaml:"data"`
		}
		if err := node.Decode(&v); err != nil {
			return err
		}
		*m = v.Data
		return nil
	}
	return fmt.Errorf("line %d: expected sequence or matrix mapping", node.Line)
}

type intrinsicsFile struct {
	K           matrixField `yaml:"K"`
	Dist        matrixField `yaml:"dist"`
	ImageWidth  int         `yaml:"image_width"`
	ImageHeight int         `yaml:"image_height"`
}

// LoadIntrinsics reads a calibration file.
func LoadIntrinsics(path string) (*Intrinsics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.New("file not found")
		}
		return nil, err
	}
	return ParseIntrinsics(data)
}

// ParseIntrinsics decodes calibration YAML. OpenCV's "%YAML:1.0"
// directive is tolerated.
func ParseIntrinsics(data []byte) (*Intrinsics, error) {
	if bytes.HasPrefix(data, []byte("%YAML:")) {
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		}
	}
	var f intrinsicsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse intrinsics: %w", err)
	}
	if len(f.K) != 9 {
		return nil, errors.New("missing K/dist nodes")
	}
	if f.Dist == nil {
		return nil, errors.New("missing K/dist nodes")
	}
	in := &Intrinsics{Dist: f.Dist, ImageWidth: f.ImageWidth, ImageHeight: f.ImageHeight}
	copy(in.K[:], f.K)
	if in.K[0] == 0 || in.K[4] == 0 {
		return nil, errors.New("invalid focal length")
	}
	return in, nil
}

// ScaledTo returns intrinsics adjusted for a frame of w x h when the
// calibration was made at a different resolution.
func (in *Intrinsics) ScaledTo(w, h int) *Intrinsics {
	if in.ImageWidth <= 0 || in.ImageHeight <= 0 || (in.ImageWidth == w && in.ImageHeight == h) {
		return in
	}
	sx := float64(w) / float64(in.ImageWidth)
	sy := float64(h) / float64(in.ImageHeight)
	out := *in
	out.K[0] *= sx
	out.K[2] *= sx
	out.K[4] *= sy
	out.K[5] *= sy
	out.ImageWidth, out.ImageHeight = w, h
	return &out
}

// undistort maps a pixel to normalized camera coordinates, inverting the
// radial/tangential model by fixed-point iteration.
func (in *Intrinsics) undistort(p Point) (float64, float64) {
	fx, cx, fy, cy := in.K[0], in.K[2], in.K[4], in.K[5]
	x0 := (p.X - cx) / fx
	y0 := (p.Y - cy) / fy

	var k1, k2, p1, p2, k3 float64
	d := in.Dist
	if len(d) > 0 {
		k1 = d[0]
	}
	if len(d) > 1 {
		k2 = d[1]
	}
	if len(d) > 3 {
		p1, p2 = d[2], d[3]
	}
	if len(d) > 4 {
		k3 = d[4]
	}
	if k1 == 0 && k2 == 0 && p1 == 0 && p2 == 0 && k3 == 0 {
		return x0, y0
	}

	x, y := x0, y0
	for i := 0; i < 8; i++ {
		r2 := x*x + y*y
		radial := 1 + k1*r2 + k2*r2*r2 + k3*r2*r2*r2
		dx := 2*p1*x*y + p2*(r2+2*x*x)
		dy := p1*(r2+2*y*y) + 2*p2*x*y
		x = (x0 - dx) / radial
		y = (y0 - dy) / radial
	}
	return x, y
}

// Pose is a marker pose in the camera frame.
type Pose struct {
	R      *mat.Dense
	RVec   Vec3
	TVec   Vec3
	Angles Angles
}

var errDegenerate = errors.New("aruco: degenerate marker geometry")

// EstimatePose solves the planar pose of a square marker of edge size
// (metres) from its four pixel corners. Object corners follow the usual
// convention: (-s/2, s/2), (s/2, s/2), (s/2, -s/2), (-s/2, -s/2).
func EstimatePose(corners [4]Point, in *Intrinsics, size float64) (*Pose, error) {
	if size <= 0 {
		size = DefaultMarkerSize
	}
	// Unit square for conditioning; rescaled below.
	obj := [4][2]float64{{-1, 1}, {1, 1}, {1, -1}, {-1, -1}}

	a := mat.NewDense(8, 9, nil)
	for i, c := range corners {
		x, y := in.undistort(c)
		X, Y := obj[i][0], obj[i][1]
		a.SetRow(2*i, []float64{-X, -Y, -1, 0, 0, 0, x * X, x * Y, x})
		a.SetRow(2*i+1, []float64{0, 0, 0, -X, -Y, -1, y * X, y * Y, y})
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return nil, errDegenerate
	}
	var v mat.Dense
	svd.VTo(&v)
	h := mat.Col(nil, 8, &v)

	half := size / 2
	h1 := [3]float64{h[0] / half, h[3] / half, h[6] / half}
	h2 := [3]float64{h[1] / half, h[4] / half, h[7] / half}
	h3 := [3]float64{h[2], h[5], h[8]}

	n1, n2 := norm(h1), norm(h2)
	if n1 < 1e-12 || n2 < 1e-12 {
		return nil, errDegenerate
	}
	lambda := 2 / (n1 + n2)
	if h3[2]*lambda < 0 {
		lambda = -lambda
	}

	r1 := scale(h1, lambda)
	r2 := scale(h2, lambda)
	r3 := cross(r1, r2)
	t := scale(h3, lambda)

	approx := mat.NewDense(3, 3, []float64{
		r1[0], r2[0], r3[0],
		r1[1], r2[1], r3[1],
		r1[2], r2[2], r3[2],
	})
	r, err := orthonormalize(approx)
	if err != nil {
		return nil, err
	}

	return &Pose{
		R:      r,
		RVec:   rodrigues(r),
		TVec:   Vec3(t),
		Angles: eulerFromR(r),
	}, nil
}

// orthonormalize projects m onto the nearest rotation (U V^T).
func orthonormalize(m *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		return nil, errDegenerate
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var r mat.Dense
	r.Mul(&u, v.T())
	if mat.Det(&r) < 0 {
		// Flip the last singular direction to stay a proper rotation.
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		r.Mul(&u, v.T())
	}
	return &r, nil
}

// eulerFromR decomposes R = Rz(yaw) Ry(pitch) Rx(roll).
func eulerFromR(r mat.Matrix) Angles {
	deg := 180 / math.Pi
	sy := math.Hypot(r.At(0, 0), r.At(1, 0))
	var x, y, z float64
	if sy >= 1e-6 {
		x = math.Atan2(r.At(2, 1), r.At(2, 2))
		y = math.Atan2(-r.At(2, 0), sy)
		z = math.Atan2(r.At(1, 0), r.At(0, 0))
	} else {
		x = math.Atan2(-r.At(1, 2), r.At(1, 1))
		y = math.Atan2(-r.At(2, 0), sy)
	}
	return Angles{Yaw: z * deg, Pitch: y * deg, Roll: x * deg}
}

// rodrigues converts a rotation matrix to an axis-angle vector.
func rodrigues(r mat.Matrix) Vec3 {
	tr := r.At(0, 0) + r.At(1, 1) + r.At(2, 2)
	theta := math.Acos(math.Max(-1, math.Min(1, (tr-1)/2)))
	if theta < 1e-9 {
		return Vec3{}
	}
	axis := [3]float64{
		r.At(2, 1) - r.At(1, 2),
		r.At(0, 2) - r.At(2, 0),
		r.At(1, 0) - r.At(0, 1),
	}
	if s := math.Sin(theta); s > 1e-6 {
		return Vec3(scale(axis, theta/(2*s)))
	}
	// theta near pi: axis from the diagonal.
	ax := [3]float64{
		math.Sqrt(math.Max(0, (r.At(0, 0)+1)/2)),
		math.Sqrt(math.Max(0, (r.At(1, 1)+1)/2)),
		math.Sqrt(math.Max(0, (r.At(2, 2)+1)/2)),
	}
	if r.At(0, 1) < 0 {
		ax[1] = -ax[1]
	}
	if r.At(0, 2) < 0 {
		ax[2] = -ax[2]
	}
	return Vec3(scale(ax, theta))
}

func norm(v [3]float64) float64 { return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2]) }

func scale(v [3]float64, s float64) [3]float64 { return [3]float64{v[0] * s, v[1] * s, v[2] * s} }

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}
