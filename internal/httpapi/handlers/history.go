package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/velora-ai/companion/internal/chat"
	"github.com/velora-ai/companion/internal/common"
)

// requirePersistTier gates the history endpoints to tiers allowed to
// store conversation data.
func (h *Handler) requirePersistTier(c *gin.Context) (uint64, bool) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return 0, false
	}
	allowed, err := h.Subs.CanPersistHistory(c.Request.Context(), uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return 0, false
	}
	if !allowed {
		common.Fail(c, http.StatusForbidden, 40303, "history requires an upgraded subscription")
		return 0, false
	}
	return uid, true
}

type saveMessageReq struct {
	CharacterID uint64 `json:"character_id"`
	SessionKey  string `json:"session_id"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	ImageURL    string `json:"image_url"`
}

func (h *Handler) SaveMessage(c *gin.Context) {
	uid, ok := h.requirePersistTier(c)
	if !ok {
		return
	}
	var req saveMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if req.CharacterID == 0 || req.SessionKey == "" || req.Content == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "character_id, session_id and content required")
		return
	}
	if req.Role != chat.RoleUser && req.Role != chat.RoleAssistant {
		common.Fail(c, http.StatusBadRequest, 10006, "role must be user or assistant")
		return
	}

	session, err := h.ChatRepo.ResolveOrCreate(c.Request.Context(), req.CharacterID, uid, req.SessionKey)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	msg := chat.Message{
		SessionID: session.ID,
		UserID:    uid,
		Role:      req.Role,
		Content:   req.Content,
		ImageURL:  req.ImageURL,
	}
	if err := h.ChatRepo.Append(c.Request.Context(), &msg); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"message_id": msg.ID})
}

func (h *Handler) GetHistory(c *gin.Context) {
	uid, ok := h.requirePersistTier(c)
	if !ok {
		return
	}
	characterID, err := strconv.ParseUint(c.Param("character_id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid character id")
		return
	}
	key := c.Query("session_id")
	if key == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "session_id required")
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	session, err := h.ChatRepo.ResolveOrCreate(c.Request.Context(), characterID, uid, key)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	msgs, err := h.ChatRepo.LoadHistory(c.Request.Context(), session.ID, limit)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"messages": msgs})
}

func (h *Handler) CharactersWithHistory(c *gin.Context) {
	uid, ok := h.requirePersistTier(c)
	if !ok {
		return
	}
	ids, err := h.ChatRepo.CharacterIDsWithHistory(c.Request.Context(), uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"character_ids": ids})
}

func (h *Handler) ClearHistory(c *gin.Context) {
	uid, ok := h.requirePersistTier(c)
	if !ok {
		return
	}
	characterID, err := strconv.ParseUint(c.Param("character_id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid character id")
		return
	}
	key := c.Query("session_id")
	if key == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "session_id required")
		return
	}
	removed, err := h.ChatRepo.ClearHistory(c.Request.Context(), characterID, uid, key)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"deleted": removed})
}

func (h *Handler) HistoryStats(c *gin.Context) {
	uid, ok := h.requirePersistTier(c)
	if !ok {
		return
	}
	stats, err := h.ChatRepo.Stats(c.Request.Context(), uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, stats)
}
