package landmarks

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-mirror/internal/log"
	"github.com/teslashibe/go-mirror/pkg/camera"
)

const (
	bridgeScript      = "landmarks_bridge.py"
	bridgeIdleTimeout = 30 * time.Second
	bridgeJPEGQuality = 85
)

// Request flags, sent as one byte after the length prefix.
const (
	flagFace  byte = 1 << 0
	flagHands byte = 1 << 1
)

// bridgeConn is one running bridge process.
type bridgeConn struct {
	stdin  io.WriteCloser
	stdout *bufio.Reader
	wait   func() error
}

// MediaPipe runs face mesh and hands in a Python MediaPipe subprocess.
// Frames go out as a 4-byte big-endian length, a flags byte and JPEG
// bytes; each answer is one JSON line. The process starts lazily and is
// stopped after 30s without use.
type MediaPipe struct {
	logger *slog.Logger

	// start launches the bridge. Replaced in tests.
	start func() (*bridgeConn, error)

	face  atomic.Bool
	hands atomic.Bool

	mu        sync.Mutex
	conn      *bridgeConn
	idleTimer *time.Timer
}

// NewMediaPipe locates the bridge script and interpreter. The process
// itself is not started until the first Detect.
func NewMediaPipe(logger *slog.Logger) (*MediaPipe, error) {
	script := findBridgeScript()
	if script == "" {
		return nil, fmt.Errorf("%w: %s not found", ErrBackendUnavailable, bridgeScript)
	}
	python := findVenvPython()
	if python == "" {
		python = "python3"
	}
	if logger == nil {
		logger = log.Component("landmarks.mediapipe")
	}

	m := &MediaPipe{logger: logger}
	m.face.Store(true)
	m.hands.Store(true)
	m.start = func() (*bridgeConn, error) { return startProcess(python, script) }
	return m, nil
}

// SetEnabled toggles which models the bridge runs per frame.
func (m *MediaPipe) SetEnabled(face, hands bool) {
	m.face.Store(face)
	m.hands.Store(hands)
}

// Name implements Detector.
func (m *MediaPipe) Name() string { return "mediapipe" }

// Detect implements Detector.
func (m *MediaPipe) Detect(ctx context.Context, frame camera.Frame) (Result, error) {
	var flags byte
	if m.face.Load() {
		flags |= flagFace
	}
	if m.hands.Load() {
		flags |= flagHands
	}
	if flags == 0 || frame.Empty() {
		return Result{}, nil
	}

	data, err := camera.EncodeJPEG(frame, bridgeJPEGQuality)
	if err != nil {
		return Result{}, fmt.Errorf("encode frame: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureStarted(); err != nil {
		return Result{}, err
	}
	conn := m.conn

	type reply struct {
		line []byte
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		header := make([]byte, 5)
		binary.BigEndian.PutUint32(header, uint32(len(data)))
		header[4] = flags
		if _, err := conn.stdin.Write(header); err != nil {
			done <- reply{err: fmt.Errorf("write header: %w", err)}
			return
		}
		if _, err := conn.stdin.Write(data); err != nil {
			done <- reply{err: fmt.Errorf("write data: %w", err)}
			return
		}
		line, err := conn.stdout.ReadBytes('\n')
		if err != nil {
			done <- reply{err: fmt.Errorf("read response: %w", err)}
			return
		}
		done <- reply{line: line}
	}()

	var r reply
	select {
	case r = <-done:
	case <-ctx.Done():
		// The stream is out of sync now; restart on the next frame.
		m.shutdown()
		return Result{}, ctx.Err()
	}
	if r.err != nil {
		m.shutdown()
		return Result{}, r.err
	}

	res, err := decodeBridgeReply(r.line)
	if err != nil {
		return Result{}, err
	}
	m.resetIdleTimer()
	return res, nil
}

// Close stops the bridge process.
func (m *MediaPipe) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown()
}

func (m *MediaPipe) ensureStarted() error {
	if m.conn != nil {
		return nil
	}
	conn, err := m.start()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	m.conn = conn
	m.logger.Info("landmark bridge started")
	return nil
}

func (m *MediaPipe) shutdown() error {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	if m.conn == nil {
		return nil
	}
	conn := m.conn
	m.conn = nil
	conn.stdin.Close()
	if conn.wait != nil {
		return conn.wait()
	}
	return nil
}

func (m *MediaPipe) resetIdleTimer() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	m.idleTimer = time.AfterFunc(bridgeIdleTimeout, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.logger.Debug("landmark bridge idle, stopping")
		m.shutdown()
	})
}

func startProcess(python, script string) (*bridgeConn, error) {
	cmd := exec.Command(python, script)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start bridge: %w", err)
	}
	return &bridgeConn{stdin: stdin, stdout: bufio.NewReader(stdout), wait: cmd.Wait}, nil
}

type bridgeReply struct {
	Face  *bridgeSet  `json:"face"`
	Hands []bridgeSet `json:"hands"`
	Error string      `json:"error"`
}

type bridgeSet struct {
	Points     []Point `json:"points"`
	Handedness string  `json:"handedness"`
	Score      float64 `json:"score"`
}

func (b bridgeSet) toSet() Set {
	s := Set{
		Points:     make(map[int]Point, len(b.Points)),
		Present:    len(b.Points) > 0,
		Handedness: b.Handedness,
		Score:      b.Score,
	}
	for i, p := range b.Points {
		s.Points[i] = p
	}
	return s
}

func decodeBridgeReply(line []byte) (Result, error) {
	var r bridgeReply
	if err := json.Unmarshal(line, &r); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBridgeProtocol, err)
	}
	if r.Error != "" {
		return Result{}, fmt.Errorf("%w: %s", ErrBridgeProtocol, r.Error)
	}
	var res Result
	if r.Face != nil {
		res.Face = r.Face.toSet()
	}
	for _, h := range r.Hands {
		res.Hands = append(res.Hands, h.toSet())
	}
	return res, nil
}

func firstExisting(candidates []string) string {
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			if abs, err := filepath.Abs(path); err == nil {
				return abs
			}
			return path
		}
	}
	return ""
}

func execDir() string {
	p, err := os.Executable()
	if err != nil {
		return ""
	}
	return filepath.Dir(p)
}

func findBridgeScript() string {
	if p := os.Getenv("LANDMARKS_BRIDGE_SCRIPT"); p != "" {
		return firstExisting([]string{p})
	}
	return firstExisting([]string{
		filepath.Join("scripts", bridgeScript),
		filepath.Join("..", "scripts", bridgeScript),
		filepath.Join(execDir(), "scripts", bridgeScript),
		filepath.Join(os.Getenv("HOME"), ".mirror", "scripts", bridgeScript),
	})
}

func findVenvPython() string {
	return firstExisting([]string{
		"venv/bin/python",
		"../venv/bin/python",
		filepath.Join(execDir(), "venv/bin/python"),
		filepath.Join(os.Getenv("HOME"), ".mirror", "venv/bin/python"),
	})
}
