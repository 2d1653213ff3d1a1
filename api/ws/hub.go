// Package ws streams Registry events (C6) to connected clients over
// websocket, scoped to a single workspace per connection.
package ws

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/muxlabs/bpe/internal/bpe/registry"
	"github.com/muxlabs/bpe/internal/common/logger"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Background-process events carry no cross-origin credentials; the
	// engine's own reverse proxy is responsible for origin policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades a request and streams that workspace's Registry events as
// JSON frames until the client disconnects.
type Handler struct {
	reg *registry.Registry
	log *logger.Logger
}

// NewHandler builds a Handler over reg.
func NewHandler(reg *registry.Registry, log *logger.Logger) *Handler {
	return &Handler{reg: reg, log: log}
}

// Serve is a gin.HandlerFunc for GET /v1/workspaces/:wsid/events.
func (h *Handler) Serve(c *gin.Context) {
	wsid := c.Param("wsid")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("ws: upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := h.reg.Subscribe(&wsid)
	defer sub.Unsubscribe()

	// Detect client-initiated close without blocking the write loop on it.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Mount registers the websocket route on r.
func (h *Handler) Mount(r gin.IRouter) {
	r.GET("/v1/workspaces/:wsid/events", h.Serve)
}
