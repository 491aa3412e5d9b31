package hub

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// OriginPolicy decides which browser origins may open a WebSocket.
// Missing, "null" and file:// origins (kiosk pages opened from disk) and
// localhost are always allowed. An empty list or "*" allows everything.
type OriginPolicy struct {
	prefixes []string
	any      bool
}

var localOrigins = []string{
	"http://localhost", "https://localhost",
	"http://127.0.0.1", "https://127.0.0.1",
}

// NewOriginPolicy builds a policy from origin prefixes.
func NewOriginPolicy(allowed []string) *OriginPolicy {
	p := &OriginPolicy{}
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		switch a {
		case "":
		case "*":
			p.any = true
		default:
			p.prefixes = append(p.prefixes, a)
		}
	}
	if len(p.prefixes) == 0 {
		p.any = true
	}
	return p
}

// Allowed reports whether origin may connect.
func (p *OriginPolicy) Allowed(origin string) bool {
	if origin == "" || origin == "null" || strings.HasPrefix(origin, "file://") || p.any {
		return true
	}
	for _, prefix := range localOrigins {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// Upgrade is the middleware placed in front of WebSocket routes. It
// rejects non-upgrade requests and disallowed origins.
func (h *Hub) Upgrade() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		origin := c.Get(fiber.HeaderOrigin)
		if !h.origins.Allowed(origin) {
			h.logger.Info("blocked websocket origin", "origin", origin)
			return fiber.NewError(fiber.StatusForbidden, "origin not allowed")
		}
		return c.Next()
	}
}

// Handler serves one renderer connection. onConnect, if set, runs after
// the client is registered so the caller can push the current state.
func (h *Hub) Handler(onConnect func()) fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		client := h.Register(conn)
		if onConnect != nil {
			onConnect()
		}
		client.Serve()
	})
}
