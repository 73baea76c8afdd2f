package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/velora-ai/companion/internal/character"
	"github.com/velora-ai/companion/internal/chat"
	"github.com/velora-ai/companion/internal/common"
	"github.com/velora-ai/companion/internal/subscription"
)

func (h *Handler) ChatStatus(c *gin.Context) {
	connected := h.LLM.CheckConnection(c.Request.Context())
	status, msg := "ok", "generation server reachable"
	if !connected {
		status, msg = "error", "generation server unreachable"
	}
	common.OK(c, gin.H{
		"status":            status,
		"backend_connected": connected,
		"message":           msg,
		"model":             h.Cfg.LLMModel,
	})
}

// StreamByName serves POST /chat/stream/name/:character_name.
func (h *Handler) StreamByName(c *gin.Context) {
	ch, err := h.Characters.GetByName(c.Request.Context(), c.Param("character_name"))
	if err != nil {
		h.failCharacterLookup(c, err)
		return
	}
	h.streamTurn(c, ch)
}

// StreamByID serves POST /chat/stream/:character_id.
func (h *Handler) StreamByID(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("character_id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid character id")
		return
	}
	ch, err := h.Characters.GetByID(c.Request.Context(), id)
	if err != nil {
		h.failCharacterLookup(c, err)
		return
	}
	h.streamTurn(c, ch)
}

func (h *Handler) failCharacterLookup(c *gin.Context, err error) {
	if errors.Is(err, character.ErrNotFound) {
		common.Fail(c, http.StatusNotFound, 40402, "character not found")
		return
	}
	common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
}

func quotaStatus(reason subscription.DenyReason) (int, int, string) {
	switch reason {
	case subscription.DenyNoSubscription:
		return http.StatusForbidden, 40301, "no active subscription"
	case subscription.DenyMessageTooLong:
		return http.StatusForbidden, 40302, "message exceeds tier length cap"
	default:
		return http.StatusPaymentRequired, 40201, "credits exhausted"
	}
}

func (h *Handler) streamTurn(c *gin.Context, ch *character.Character) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req chat.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if req.Message == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "message required")
		return
	}

	events, err := h.ChatSvc.StreamTurn(c.Request.Context(), uid, ch, req)
	if err != nil {
		var quota *subscription.QuotaError
		switch {
		case errors.As(err, &quota):
			status, code, msg := quotaStatus(quota.Reason)
			common.Fail(c, status, code, msg)
		case errors.Is(err, chat.ErrMisconfigured):
			common.Fail(c, http.StatusUnprocessableEntity, 42201, "character misconfigured")
		default:
			logrus.WithError(err).Error("starting chat turn")
			common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		}
		return
	}

	writeSSE(c, events)
}

// writeSSE drains the event channel into an SSE body. Failures past
// this point travel as terminal error events, never as HTTP statuses.
func writeSSE(c *gin.Context, events <-chan chat.Event) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fmt.Fprintf(c.Writer, "data: {\"error\":\"streaming unsupported\",\"done\":true}\n\n")
		return
	}

	ctx := c.Request.Context()
	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				fmt.Fprintf(c.Writer, "data: {\"error\":\"internal\",\"done\":true}\n\n")
				flusher.Flush()
				return
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", b)
			flusher.Flush()
			if ev.Done {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
