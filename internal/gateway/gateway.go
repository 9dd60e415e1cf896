// Package gateway accepts long-lived WebSocket channels, frames their
// traffic, and dispatches it into the presence registry. One goroutine pair
// per connection: readPump owns all reads, writePump owns all data writes.
package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/stillhour/backend/internal/metrics"
	"github.com/stillhour/backend/internal/protocol"
	"github.com/stillhour/backend/internal/ratelimit"
	"github.com/stillhour/backend/internal/registry"
)

const socketIDPrefix = "sock_"

// Gateway upgrades HTTP requests into presence channels.
type Gateway struct {
	registry *registry.Registry
	control  *ratelimit.Limiter
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

// New builds a gateway. In production, only origins in allowedOrigins are
// accepted; any other upgrade is refused. In development all origins pass.
func New(reg *registry.Registry, control *ratelimit.Limiter, m *metrics.Metrics, env string, allowedOrigins []string) *Gateway {
	return &Gateway{
		registry: reg,
		control:  control,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     buildCheckOrigin(env, allowedOrigins),
		},
	}
}

// buildCheckOrigin returns the origin policy for the deployment environment.
func buildCheckOrigin(env string, allowedOrigins []string) func(r *http.Request) bool {
	if env == "production" {
		allowed := make(map[string]bool, len(allowedOrigins))
		for _, origin := range allowedOrigins {
			if o := strings.TrimSpace(origin); o != "" {
				allowed[o] = true
			}
		}
		if len(allowed) == 0 {
			slog.Warn("no allowed origins configured in production; refusing all browser origins")
		}
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser client; the token is the real gate.
				return true
			}
			if allowed[origin] {
				return true
			}
			slog.Info("rejected websocket origin", "origin", origin)
			return false
		}
	}
	return func(*http.Request) bool { return true }
}

// HandleWebSocket upgrades the request and runs the connection until the
// transport closes or the sweeper reaps it.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	socketID := newSocketID()
	c := newConn(g, socketID, ws)

	g.registry.Register(socketID, c)
	slog.Info("socket connected", "socket_id", socketID)

	go c.writePump()
	go c.readPump()

	// Initial pong lets the client measure clock skew immediately.
	c.Enqueue(protocol.NewPong(0))
}

// newSocketID generates a 128-bit random socket identifier, hex-encoded and
// tagged so ids are recognizable in logs.
func newSocketID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return socketIDPrefix + hex.EncodeToString(buf[:])
}
