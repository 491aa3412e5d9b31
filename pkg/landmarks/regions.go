package landmarks

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

//go:embed features.json
var defaultFeatures []byte

// Feature is one named region: the mean of its landmark indices.
type Feature struct {
	Indices []int `json:"indices"`
}

// Regions maps semantic names (mouth_center, brow_left, ...) to landmark
// indices. Hand features are emitted as "<name>_<Handedness>".
type Regions struct {
	Face  map[string]Feature `json:"face"`
	Hands map[string]Feature `json:"hands"`
}

// DefaultRegions returns the built-in region table.
func DefaultRegions() *Regions {
	r, err := ParseRegions(defaultFeatures)
	if err != nil {
		panic(fmt.Sprintf("landmarks: embedded features.json: %v", err))
	}
	return r
}

// LoadRegions reads a region table from path. An empty path returns the
// built-in table.
func LoadRegions(path string) (*Regions, error) {
	if path == "" {
		return DefaultRegions(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read features: %w", err)
	}
	return ParseRegions(data)
}

// ParseRegions decodes a region table and drops entries without indices.
func ParseRegions(data []byte) (*Regions, error) {
	var r Regions
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse features: %w", err)
	}
	for name, f := range r.Face {
		if len(f.Indices) == 0 {
			delete(r.Face, name)
		}
	}
	for name, f := range r.Hands {
		if len(f.Indices) == 0 {
			delete(r.Hands, name)
		}
	}
	return &r, nil
}

// Names returns every face region name, sorted.
func (r *Regions) Names() []string {
	names := make([]string, 0, len(r.Face))
	for name := range r.Face {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve turns raw landmarks into named anchor points. Regions whose
// indices are missing from the set are skipped.
func (r *Regions) Resolve(res Result) map[string]Point {
	out := make(map[string]Point)
	if res.Face.Present {
		for name, f := range r.Face {
			if p, ok := mean(res.Face.Points, f.Indices); ok {
				out[name] = p
			}
		}
	}
	for _, hand := range res.Hands {
		if !hand.Present {
			continue
		}
		side := hand.Handedness
		if side == "" {
			side = "Right"
		}
		for name, f := range r.Hands {
			// Hands use the first index only.
			if p, ok := hand.Points[f.Indices[0]]; ok {
				out[name+"_"+side] = p
			}
		}
	}
	return out
}

func mean(points map[int]Point, indices []int) (Point, bool) {
	var sum Point
	n := 0
	for _, idx := range indices {
		p, ok := points[idx]
		if !ok {
			continue
		}
		sum.X += p.X
		sum.Y += p.Y
		n++
	}
	if n == 0 {
		return Point{}, false
	}
	return Point{X: sum.X / float64(n), Y: sum.Y / float64(n)}, true
}

// DefaultSmoothingAlpha is the EMA weight given to new samples.
const DefaultSmoothingAlpha = 0.4

// Smoother applies a per-name exponential moving average. A name absent
// from an update loses its history, so a reacquired face starts fresh
// instead of sliding in from its last position.
type Smoother struct {
	Alpha float64

	mu   sync.Mutex
	prev map[string]Point
}

// NewSmoother returns a smoother with the given alpha, or the default when
// alpha is outside (0, 1].
func NewSmoother(alpha float64) *Smoother {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultSmoothingAlpha
	}
	return &Smoother{Alpha: alpha, prev: make(map[string]Point)}
}

// Update smooths the anchors in place and returns them.
func (s *Smoother) Update(anchors map[string]Point) map[string]Point {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name := range s.prev {
		if _, ok := anchors[name]; !ok {
			delete(s.prev, name)
		}
	}
	for name, p := range anchors {
		last, ok := s.prev[name]
		if ok {
			p = Point{
				X: s.Alpha*p.X + (1-s.Alpha)*last.X,
				Y: s.Alpha*p.Y + (1-s.Alpha)*last.Y,
			}
			anchors[name] = p
		}
		s.prev[name] = p
	}
	return anchors
}

// Reset drops all history.
func (s *Smoother) Reset() {
	s.mu.Lock()
	s.prev = make(map[string]Point)
	s.mu.Unlock()
}
