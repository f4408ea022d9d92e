package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/dora-agent/backend/internal/orchestrator"
	"github.com/dora-agent/backend/internal/storage/models"
	"github.com/dora-agent/backend/pkg/logger"
)

// HistoryStore reads persisted turns for the session history endpoint.
type HistoryStore interface {
	GetTurnHistory(sessionID string, limit int) ([]models.TurnRecord, error)
}

type ChatHandler struct {
	orch         *orchestrator.Orchestrator
	history      HistoryStore
	historyDepth int
}

func NewChatHandler(orch *orchestrator.Orchestrator, history HistoryStore, historyDepth int) *ChatHandler {
	if historyDepth <= 0 {
		historyDepth = 10
	}
	return &ChatHandler{
		orch:         orch,
		history:      history,
		historyDepth: historyDepth,
	}
}

// HandleChat runs one turn synchronously: the stream is aggregated and the
// full response returned in a single JSON body. Clients wanting word-level
// streaming use the websocket endpoint instead.
func (h *ChatHandler) HandleChat(c *fiber.Ctx) error {
	var req struct {
		Message   string `json:"message"`
		SessionID string `json:"session_id"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if strings.TrimSpace(req.Message) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Message is required",
		})
	}

	sessionID, chunks := h.orch.ProcessTurn(c.Context(), req.SessionID, req.Message)

	var response strings.Builder
	var status, turnID string

	for chunk := range chunks {
		switch chunk.Type {
		case orchestrator.ChunkTypeChunk:
			response.WriteString(chunk.Content)
		case orchestrator.ChunkTypeComplete:
			status = chunk.Status
			turnID = chunk.TurnID
		}
	}

	if status == "" {
		// The channel closed without a completion chunk: the client went
		// away or the server is shutting down.
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Request was cancelled before completion",
		})
	}

	return c.JSON(fiber.Map{
		"session_id": sessionID,
		"turn_id":    turnID,
		"status":     status,
		"response":   strings.TrimSpace(response.String()),
	})
}

// GetSessionHistory returns the persisted turns of a session, newest first.
func (h *ChatHandler) GetSessionHistory(c *fiber.Ctx) error {
	sessionID := c.Params("id")
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Session id is required",
		})
	}

	limit := c.QueryInt("limit", h.historyDepth)

	records, err := h.history.GetTurnHistory(sessionID, limit)
	if err != nil {
		logger.Error("Failed to load session history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load session history",
		})
	}

	turns := make([]fiber.Map, 0, len(records))
	for _, r := range records {
		turns = append(turns, fiber.Map{
			"turn_id":    r.ID,
			"utterance":  r.Utterance,
			"category":   r.IntentCategory,
			"confidence": r.Confidence,
			"status":     r.Status,
			"response":   r.Response,
			"created_at": r.CreatedAt.Unix(),
		})
	}

	return c.JSON(fiber.Map{
		"session_id": sessionID,
		"turns":      turns,
	})
}
