package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/shopchat/livechat/internal/chat"
	"github.com/shopchat/livechat/internal/services"
	apperrors "github.com/shopchat/livechat/pkg/errors"
	"github.com/shopchat/livechat/pkg/response"
)

const defaultHistoryLimit = 200

// ChatSessionHandler exposes the REST view over live sessions and persisted
// transcripts, consumed by the admin panel.
type ChatSessionHandler struct {
	broker       *chat.Broker
	transcripts  *services.TranscriptService
	historyLimit int
}

// NewChatSessionHandler constructs the handler. historyLimit caps how many
// transcript messages a single request may fetch.
func NewChatSessionHandler(broker *chat.Broker, transcripts *services.TranscriptService, historyLimit int) *ChatSessionHandler {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &ChatSessionHandler{
		broker:       broker,
		transcripts:  transcripts,
		historyLimit: historyLimit,
	}
}

// ListSessions returns every live session, newest activity first.
func (h *ChatSessionHandler) ListSessions(c *gin.Context) {
	sessions := h.broker.OpenSessions()
	response.SuccessWithMeta(c, http.StatusOK, sessions, &response.Meta{Total: len(sessions)})
}

// ListMessages returns the persisted transcript for a session.
func (h *ChatSessionHandler) ListMessages(c *gin.Context) {
	if h.transcripts == nil {
		response.Error(c, apperrors.ErrNotFound)
		return
	}

	sessionID := strings.TrimSpace(c.Param("id"))
	if sessionID == "" {
		response.Error(c, apperrors.NewBadRequest("session id is required"))
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			response.Error(c, apperrors.NewBadRequest("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	if limit > h.historyLimit {
		limit = h.historyLimit
	}

	var before time.Time
	if raw := c.Query("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.Error(c, apperrors.NewBadRequest("before must be RFC3339"))
			return
		}
		before = parsed
	}

	messages, err := h.transcripts.ListMessages(c.Request.Context(), sessionID, limit, before)
	if err != nil {
		response.Error(c, apperrors.Wrap(err, "failed to list messages"))
		return
	}

	response.SuccessWithMeta(c, http.StatusOK, messages, &response.Meta{Limit: limit, Total: len(messages)})
}

// GetSession returns the persisted session record, including sessions that
// have already ended.
func (h *ChatSessionHandler) GetSession(c *gin.Context) {
	if h.transcripts == nil {
		response.Error(c, apperrors.ErrNotFound)
		return
	}

	sessionID := strings.TrimSpace(c.Param("id"))
	if sessionID == "" {
		response.Error(c, apperrors.NewBadRequest("session id is required"))
		return
	}

	record, err := h.transcripts.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.Error(c, apperrors.ErrNotFound)
			return
		}
		response.Error(c, apperrors.Wrap(err, "failed to load session"))
		return
	}

	response.Success(c, http.StatusOK, record)
}
