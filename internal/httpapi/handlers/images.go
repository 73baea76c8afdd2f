package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/velora-ai/companion/internal/character"
	"github.com/velora-ai/companion/internal/common"
	"github.com/velora-ai/companion/internal/image"
)

type generateImageReq struct {
	CharacterID uint64 `json:"character_id"`
}

func (h *Handler) failImage(c *gin.Context, err error) {
	switch {
	case errors.Is(err, image.ErrPhotoQuota):
		common.Fail(c, http.StatusPaymentRequired, 40202, "photo quota exhausted")
	case errors.Is(err, character.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40402, "character not found")
	default:
		logrus.WithError(err).Error("image generation")
		common.Fail(c, http.StatusInternalServerError, 50002, "image generation failed")
	}
}

// GenerateImage renders one scene photo synchronously.
func (h *Handler) GenerateImage(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	var req generateImageReq
	if err := c.ShouldBindJSON(&req); err != nil || req.CharacterID == 0 {
		common.Fail(c, http.StatusBadRequest, 10001, "character_id required")
		return
	}
	photo, err := h.Images.Generate(c.Request.Context(), uid, req.CharacterID)
	if err != nil {
		h.failImage(c, err)
		return
	}
	common.OK(c, gin.H{"photo": photo})
}

// EnqueueImageJob queues a generation for the worker pool.
func (h *Handler) EnqueueImageJob(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	var req generateImageReq
	if err := c.ShouldBindJSON(&req); err != nil || req.CharacterID == 0 {
		common.Fail(c, http.StatusBadRequest, 10001, "character_id required")
		return
	}
	job, err := h.Images.Enqueue(c.Request.Context(), uid, req.CharacterID)
	if err != nil {
		h.failImage(c, err)
		return
	}
	common.OK(c, gin.H{"job_id": job.ID, "status": job.Status})
}

func (h *Handler) GetImageJob(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}
	job, err := h.Images.Job(c.Request.Context(), uid, jobID)
	if err != nil {
		if errors.Is(err, image.ErrJobNotFound) {
			common.Fail(c, http.StatusNotFound, 40403, "job not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{
		"job": gin.H{
			"id":         job.ID,
			"status":     job.Status,
			"filename":   job.Filename,
			"url":        job.URL,
			"error":      job.LastError,
			"created_at": job.CreatedAt,
			"updated_at": job.UpdatedAt,
		},
	})
}

func (h *Handler) Gallery(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	photos, err := h.Images.Gallery(uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"photos": photos})
}
