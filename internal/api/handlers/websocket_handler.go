package handlers

import (
	"context"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/dora-agent/backend/internal/orchestrator"
	"github.com/dora-agent/backend/pkg/logger"
)

type WebSocketHandler struct {
	orch *orchestrator.Orchestrator
}

func NewWebSocketHandler(orch *orchestrator.Orchestrator) *WebSocketHandler {
	return &WebSocketHandler{orch: orch}
}

// HandleConnection serves one client. Messages on a connection share a
// session, so turns are processed strictly in order; a dropped connection
// cancels whatever turn is in flight.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	sessionID := ""

	for {
		var msg struct {
			Type      string `json:"type"`
			Content   string `json:"content"`
			SessionID string `json:"session_id"`
		}

		if err := c.ReadJSON(&msg); err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			break
		}

		if msg.Type != "chat" || msg.Content == "" {
			continue
		}
		if msg.SessionID != "" {
			sessionID = msg.SessionID
		}

		sessionID = h.streamTurn(ctx, c, sessionID, msg.Content)
		if ctx.Err() != nil {
			break
		}
	}
}

// streamTurn forwards pipeline chunks to the socket. A write failure means
// the client is gone; the context is cancelled so in-flight execution stops,
// and the channel is drained to let the pipeline goroutine finish.
func (h *WebSocketHandler) streamTurn(ctx context.Context, c *websocket.Conn, sessionID, utterance string) string {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	id, chunks := h.orch.ProcessTurn(turnCtx, sessionID, utterance)

	for chunk := range chunks {
		if err := c.WriteJSON(chunk); err != nil {
			logger.Warn("Failed to write WebSocket chunk, cancelling turn", zap.Error(err))
			cancel()
			for range chunks {
			}
			break
		}
	}

	return id
}
