// Package hub fans overlay messages out to WebSocket renderers.
//
// The vision loop calls Publish, which never blocks: it only overwrites a
// pending slot. A flush loop delivers the pending message at most once per
// debounce window, so a burst of publishes collapses to its last message.
// Each client has its own bounded queue and writer goroutine; a client
// whose queue is full is dropped rather than waited on.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-mirror/internal/log"
	"github.com/teslashibe/go-mirror/pkg/protocol"
)

// Defaults.
const (
	DefaultMaxRate    = 15.0
	DefaultInterval   = time.Second / 15
	DefaultBufferSize = 16
)

// Stats are cumulative hub counters.
type Stats struct {
	Clients        int    `json:"clients"`
	Published      uint64 `json:"published"`
	Collapsed      uint64 `json:"collapsed"`
	Delivered      uint64 `json:"delivered"`
	DroppedClients uint64 `json:"dropped_clients"`
}

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	name       string
	logger     *slog.Logger
	interval   time.Duration
	bufferSize int
	origins    *OriginPolicy

	mu      sync.RWMutex
	clients map[*Client]struct{}

	pendMu  sync.Mutex
	pending []byte

	// flushMu orders deliveries so every client sees publish order.
	flushMu sync.Mutex

	published atomic.Uint64
	collapsed atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithMaxRate sets the maximum overlay broadcast rate in Hz.
func WithMaxRate(hz float64) Option {
	return func(h *Hub) {
		if hz > 0 {
			h.interval = time.Duration(float64(time.Second) / hz)
		}
	}
}

// WithBufferSize sets the per-client send queue length.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithOrigins sets the WebSocket origin policy.
func WithOrigins(p *OriginPolicy) Option {
	return func(h *Hub) { h.origins = p }
}

// New creates a hub.
func New(name string, opts ...Option) *Hub {
	h := &Hub{
		name:       name,
		interval:   DefaultInterval,
		bufferSize: DefaultBufferSize,
		clients:    make(map[*Client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = log.Component("hub").With("hub", name)
	}
	if h.origins == nil {
		h.origins = NewOriginPolicy(nil)
	}
	return h
}

// Interval is the debounce window.
func (h *Hub) Interval() time.Duration { return h.interval }

// Run flushes pending overlays once per debounce window until ctx is done,
// then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case <-ticker.C:
			h.Flush()
		}
	}
}

// Publish stores msg as the pending overlay. A message already pending is
// replaced and counted as collapsed. Never blocks on clients.
func (h *Hub) Publish(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Warn("dropping unencodable message", "error", err)
		return
	}
	h.published.Add(1)

	h.pendMu.Lock()
	if h.pending != nil {
		h.collapsed.Add(1)
	}
	h.pending = data
	h.pendMu.Unlock()
}

// PublishNow delivers msg immediately, bypassing the debounce. Any pending
// overlay goes out first so clients still see publish order.
func (h *Hub) PublishNow(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Warn("dropping unencodable message", "error", err)
		return
	}
	h.published.Add(1)

	h.flushMu.Lock()
	defer h.flushMu.Unlock()
	if pending := h.takePending(); pending != nil {
		h.deliver(pending)
	}
	h.deliver(data)
}

// Flush delivers the pending overlay, if any.
func (h *Hub) Flush() {
	h.flushMu.Lock()
	defer h.flushMu.Unlock()
	if pending := h.takePending(); pending != nil {
		h.deliver(pending)
	}
}

func (h *Hub) takePending() []byte {
	h.pendMu.Lock()
	defer h.pendMu.Unlock()
	data := h.pending
	h.pending = nil
	return data
}

// deliver queues data on every client. Clients with a full queue are
// pruned.
func (h *Hub) deliver(data []byte) {
	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
			h.delivered.Add(1)
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		if h.remove(c) {
			h.dropped.Add(1)
			h.logger.Warn("dropped slow client", "client", c.id, "buffer", h.bufferSize)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client connected", "client", c.id, "clients", count)
}

// remove unregisters c and closes its queue. It reports whether c was
// still registered.
func (h *Hub) remove(c *Client) bool {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Info("client disconnected", "client", c.id, "clients", count)
	}
	return ok
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns the hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Clients:        h.ClientCount(),
		Published:      h.published.Load(),
		Collapsed:      h.collapsed.Load(),
		Delivered:      h.delivered.Load(),
		DroppedClients: h.dropped.Load(),
	}
}
