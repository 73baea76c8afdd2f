package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/velora-ai/companion/internal/auth"
	"github.com/velora-ai/companion/internal/common"
	"github.com/velora-ai/companion/internal/models"
)

type registerReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Register(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || len(req.Password) < 8 {
		common.Fail(c, http.StatusBadRequest, 10002, "email and password (8+ chars) required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	user := models.User{Email: req.Email, PasswordHash: hash}
	if err := h.DB.WithContext(c.Request.Context()).Create(&user).Error; err != nil {
		common.Fail(c, http.StatusBadRequest, 10003, "email already registered")
		return
	}

	// Every account starts on the base tier.
	if _, err := h.Subs.Activate(c.Request.Context(), user.ID, models.TierBase); err != nil {
		logrus.WithError(err).WithField("user_id", user.ID).Error("activating base subscription")
	}
	if err := h.Verify.SendCode(c.Request.Context(), user.ID, user.Email); err != nil {
		logrus.WithError(err).WithField("user_id", user.ID).Error("issuing verification code")
	}

	common.OK(c, gin.H{
		"id":    user.ID,
		"email": user.Email,
	})
}

type sendCodeReq struct {
	Email string `json:"email"`
}

// SendVerificationCode re-issues a code for an unverified account. The
// response does not reveal whether the email exists.
func (h *Handler) SendVerificationCode(c *gin.Context) {
	var req sendCodeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	var user models.User
	err := h.DB.WithContext(c.Request.Context()).
		Where("email = ?", strings.TrimSpace(strings.ToLower(req.Email))).
		First(&user).Error
	if err == nil {
		if err := h.Verify.SendCode(c.Request.Context(), user.ID, user.Email); err != nil {
			logrus.WithError(err).WithField("user_id", user.ID).Error("issuing verification code")
		}
	}
	common.OK(c, gin.H{"sent": true})
}

type verifyReq struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

func (h *Handler) VerifyEmail(c *gin.Context) {
	var req verifyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	var user models.User
	if err := h.DB.WithContext(c.Request.Context()).
		Where("email = ?", strings.TrimSpace(strings.ToLower(req.Email))).
		First(&user).Error; err != nil {
		common.Fail(c, http.StatusBadRequest, 10021, "invalid code")
		return
	}
	if err := h.Verify.Verify(c.Request.Context(), user.ID, req.Code); err != nil {
		common.Fail(c, http.StatusBadRequest, 10021, "invalid code")
		return
	}
	common.OK(c, gin.H{"verified": true})
}

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	var user models.User
	err := h.DB.WithContext(c.Request.Context()).
		Where("email = ?", strings.TrimSpace(strings.ToLower(req.Email))).
		First(&user).Error
	if err != nil || !auth.CheckPassword(req.Password, user.PasswordHash) {
		common.Fail(c, http.StatusUnauthorized, 40102, "invalid credentials")
		return
	}

	// Accounts created before the ledger existed get base on first login.
	if err := h.Subs.EnsureBase(c.Request.Context(), user.ID); err != nil {
		logrus.WithError(err).WithField("user_id", user.ID).Error("ensuring base subscription")
	}

	access, err := auth.SignJWT(user.ID, user.Email, h.Cfg.JWTSecret, h.Cfg.AccessTokenTTL)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	refresh, err := h.Refresh.Issue(c.Request.Context(), user.ID)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	common.OK(c, gin.H{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
	})
}

type refreshReq struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) RefreshToken(c *gin.Context) {
	var req refreshReq
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	userID, next, err := h.Refresh.Rotate(c.Request.Context(), req.RefreshToken)
	if err != nil {
		common.Fail(c, http.StatusUnauthorized, 40103, "invalid refresh token")
		return
	}

	var user models.User
	if err := h.DB.WithContext(c.Request.Context()).First(&user, userID).Error; err != nil {
		common.Fail(c, http.StatusUnauthorized, 40103, "invalid refresh token")
		return
	}
	access, err := auth.SignJWT(user.ID, user.Email, h.Cfg.JWTSecret, h.Cfg.AccessTokenTTL)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	common.OK(c, gin.H{
		"access_token":  access,
		"refresh_token": next,
		"token_type":    "bearer",
	})
}

func (h *Handler) Logout(c *gin.Context) {
	var req refreshReq
	if err := c.ShouldBindJSON(&req); err == nil && req.RefreshToken != "" {
		_ = h.Refresh.Revoke(c.Request.Context(), req.RefreshToken)
	}
	common.OK(c, gin.H{"logged_out": true})
}

func (h *Handler) Me(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var user models.User
	if err := h.DB.WithContext(c.Request.Context()).First(&user, uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "user not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	snap, err := h.Subs.Snapshot(c.Request.Context(), uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	common.OK(c, gin.H{
		"id":           user.ID,
		"email":        user.Email,
		"is_active":    user.IsActive,
		"coins":        user.Coins,
		"subscription": snap,
	})
}
