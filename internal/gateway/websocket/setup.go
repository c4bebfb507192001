package websocket

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/sessiond/internal/common/logger"
	ws "github.com/kandev/sessiond/pkg/websocket"
)

// Gateway represents the unified WebSocket gateway, an optional alternate
// transport to the HTTP/SSE adapter for clients that prefer a single duplex
// connection.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
	logger     *logger.Logger
}

// NewGateway creates a new WebSocket gateway with all components initialized.
func NewGateway(log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)
	handler := NewHandler(hub, log)

	RegisterHealthHandler(dispatcher)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		logger:     log,
	}
}

// SetupRoutes adds the WebSocket route to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
