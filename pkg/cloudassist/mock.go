package cloudassist

import (
	"context"
	"sync"
	"time"

	"github.com/teslashibe/go-mirror/pkg/landmarks"
)

// Mock implements Provider for testing.
type Mock struct {
	// DetectFaceFunc is called when DetectFace is invoked.
	DetectFaceFunc func(ctx context.Context, jpeg []byte) (*Result, error)

	mu    sync.Mutex
	calls []MockCall
}

// MockCall records a method invocation.
type MockCall struct {
	Method string
	Time   time.Time
}

// NewMock returns a mock that finds a face with a mouth at the centre.
func NewMock() *Mock {
	return &Mock{
		DetectFaceFunc: func(ctx context.Context, jpeg []byte) (*Result, error) {
			return &Result{
				OK: true,
				Landmarks: map[string]landmarks.Point{
					"mouth_center": {X: 0.5, Y: 0.7},
				},
				Confidence: 0.9,
				At:         time.Now(),
			}, nil
		},
	}
}

// Name implements Provider.
func (m *Mock) Name() string { return "mock" }

// DetectFace calls DetectFaceFunc and records the call.
func (m *Mock) DetectFace(ctx context.Context, jpeg []byte) (*Result, error) {
	m.record("DetectFace")
	if m.DetectFaceFunc != nil {
		return m.DetectFaceFunc(ctx, jpeg)
	}
	return &Result{Landmarks: map[string]landmarks.Point{}}, nil
}

func (m *Mock) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: method, Time: time.Now()})
}

// Calls returns all recorded calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// CallCount returns the number of calls to a method.
func (m *Mock) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, c := range m.calls {
		if c.Method == method {
			count++
		}
	}
	return count
}

// Reset clears recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
