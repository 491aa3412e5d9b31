package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-mirror/internal/log"
)

// CSVHeader is the first line of a new latency log.
const CSVHeader = "capture_ts,landmark_ts,overlay_ts,e2e_ms,fps,use_cloud,cloud_latency_ms,cloud_confidence,cloud_ok,cloud_breaker_open"

// DefaultCSVPath is where the latency log goes.
const DefaultCSVPath = "logs/latency.csv"

// Row is one processed frame.
type Row struct {
	Capture          time.Time
	Landmark         time.Time
	Overlay          time.Time
	FPS              float64
	UseCloud         bool
	CloudLatencyMS   float64
	CloudConfidence  float64
	CloudOK          bool
	CloudBreakerOpen bool
}

// E2E is capture to overlay in milliseconds.
func (r Row) E2E() float64 {
	return float64(r.Overlay.Sub(r.Capture).Microseconds()) / 1000
}

// Format renders the row as one CSV line with a trailing newline.
func (r Row) Format() string {
	var b strings.Builder
	b.WriteString(unixSeconds(r.Capture))
	b.WriteByte(',')
	b.WriteString(unixSeconds(r.Landmark))
	b.WriteByte(',')
	b.WriteString(unixSeconds(r.Overlay))
	b.WriteByte(',')
	b.WriteString(strconv.FormatFloat(r.E2E(), 'f', 2, 64))
	b.WriteByte(',')
	b.WriteString(strconv.FormatFloat(r.FPS, 'f', 1, 64))
	b.WriteByte(',')
	b.WriteString(boolInt(r.UseCloud))
	b.WriteByte(',')
	b.WriteString(strconv.FormatFloat(r.CloudLatencyMS, 'f', 1, 64))
	b.WriteByte(',')
	b.WriteString(strconv.FormatFloat(r.CloudConfidence, 'f', 3, 64))
	b.WriteByte(',')
	b.WriteString(boolInt(r.CloudOK))
	b.WriteByte(',')
	b.WriteString(boolInt(r.CloudBreakerOpen))
	b.WriteByte('\n')
	return b.String()
}

func unixSeconds(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}

func boolInt(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// CSVRecorder appends rows to the latency log from a single writer
// goroutine. The file is opened O_APPEND and each row is one write, so
// external tailers never see a partial line.
type CSVRecorder struct {
	path    string
	file    *os.File
	rows    chan Row
	logger  *slog.Logger
	dropped atomic.Uint64
	written atomic.Uint64
}

// NewCSVRecorder opens (or creates) path. The header is written only when
// the file is new or empty.
func NewCSVRecorder(path string, buffer int) (*CSVRecorder, error) {
	if path == "" {
		path = DefaultCSVPath
	}
	if buffer <= 0 {
		buffer = 256
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		if _, err := f.WriteString(CSVHeader + "\n"); err != nil {
			f.Close()
			return nil, fmt.Errorf("write header: %w", err)
		}
	}
	return &CSVRecorder{
		path:   path,
		file:   f,
		rows:   make(chan Row, buffer),
		logger: log.Component("metrics"),
	}, nil
}

// Record queues a row. It never blocks; when the queue is full the row
// is dropped and counted.
func (r *CSVRecorder) Record(row Row) {
	select {
	case r.rows <- row:
	default:
		if r.dropped.Add(1)%100 == 1 {
			r.logger.Warn("latency log queue full, dropping rows", "dropped", r.dropped.Load())
		}
	}
}

// Run writes queued rows until ctx is done, then drains the queue and
// closes the file.
func (r *CSVRecorder) Run(ctx context.Context) error {
	defer r.file.Close()
	for {
		select {
		case row := <-r.rows:
			r.write(row)
		case <-ctx.Done():
			for {
				select {
				case row := <-r.rows:
					r.write(row)
				default:
					return nil
				}
			}
		}
	}
}

func (r *CSVRecorder) write(row Row) {
	if _, err := r.file.WriteString(row.Format()); err != nil {
		r.logger.Warn("latency log write failed", "path", r.path, "error", err)
		return
	}
	r.written.Add(1)
}

// Written and Dropped are row counters.
func (r *CSVRecorder) Written() uint64 { return r.written.Load() }
func (r *CSVRecorder) Dropped() uint64 { return r.dropped.Load() }
