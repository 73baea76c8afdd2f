package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/velora-ai/companion/internal/common"
	"github.com/velora-ai/companion/internal/models"
)

type activateReq struct {
	Tier string `json:"tier"`
}

func (h *Handler) ActivateSubscription(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	var req activateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	tier := models.SubscriptionTier(req.Tier)
	switch tier {
	case models.TierBase, models.TierStandard, models.TierPremium:
	default:
		common.Fail(c, http.StatusBadRequest, 10007, "unknown tier")
		return
	}

	sub, err := h.Subs.Activate(c.Request.Context(), uid, tier)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{
		"tier":             sub.Tier,
		"status":           sub.Status,
		"credit_allowance": sub.CreditAllowance,
		"photo_allowance":  sub.PhotoAllowance,
		"expires_at":       sub.ExpiresAt,
	})
}

func (h *Handler) SubscriptionSnapshot(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	snap, err := h.Subs.Snapshot(c.Request.Context(), uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, snap)
}
