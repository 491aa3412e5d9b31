package speech

import (
	"context"
	"sync"
)

// Mock implements Speaker for testing. SpeakFunc, if set, decides the
// result; every call is recorded.
type Mock struct {
	SpeakFunc func(ctx context.Context, text string) error

	mu    sync.Mutex
	texts []string
}

// Speak records text and calls SpeakFunc.
func (m *Mock) Speak(ctx context.Context, text string) error {
	m.mu.Lock()
	m.texts = append(m.texts, text)
	m.mu.Unlock()
	if m.SpeakFunc != nil {
		return m.SpeakFunc(ctx, text)
	}
	return nil
}

// Name returns "mock".
func (m *Mock) Name() string { return "mock" }

// Texts returns everything spoken so far.
func (m *Mock) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}
