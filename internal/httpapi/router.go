package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/velora-ai/companion/internal/common"
	"github.com/velora-ai/companion/internal/config"
	"github.com/velora-ai/companion/internal/httpapi/handlers"
	"github.com/velora-ai/companion/internal/httpapi/middleware"
	"github.com/velora-ai/companion/internal/image"
	"github.com/velora-ai/companion/internal/store/redisstore"
)

func NewRouter(db *gorm.DB, cfg config.Config, rds *redisstore.Store, publisher image.JobPublisher) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(db, cfg, rds, publisher)

	r.GET("/ping", func(c *gin.Context) { common.OK(c, gin.H{"pong": true}) })

	// generated imagery is served straight off the gallery tree
	r.Static("/gallery", cfg.GalleryDir)

	v1 := r.Group("/api/v1")

	authLimit := middleware.RateLimit(rds, "auth", 5, time.Minute)
	v1.POST("/auth/register", authLimit, h.Register)
	v1.POST("/auth/send-code", authLimit, h.SendVerificationCode)
	v1.POST("/auth/verify", authLimit, h.VerifyEmail)
	v1.POST("/auth/login", authLimit, h.Login)
	v1.POST("/auth/refresh", authLimit, h.RefreshToken)
	v1.POST("/auth/logout", h.Logout)

	v1.GET("/characters", h.ListCharacters)
	v1.GET("/characters/:id_or_name", h.GetCharacter)

	authed := v1.Group("/")
	authed.Use(middleware.AuthRequired(db, cfg.JWTSecret))

	authed.GET("/me", h.Me)
	authed.GET("/chat/status", h.ChatStatus)
	authed.POST("/chat/stream/name/:character_name", h.StreamByName)
	authed.POST("/chat/stream/:character_id", h.StreamByID)

	authed.POST("/characters", h.CreateCharacter)
	authed.PUT("/characters/:character_id", h.UpdateCharacter)
	authed.DELETE("/characters/:character_id", h.DeleteCharacter)
	authed.POST("/characters/reload", h.ReloadCharacters)

	authed.POST("/history/messages", h.SaveMessage)
	authed.GET("/history/:character_id", h.GetHistory)
	authed.GET("/history", h.CharactersWithHistory)
	authed.DELETE("/history/:character_id", h.ClearHistory)
	authed.GET("/history-stats", h.HistoryStats)

	authed.POST("/images/generate", h.GenerateImage)
	authed.POST("/images/jobs", h.EnqueueImageJob)
	authed.GET("/images/jobs/:job_id", h.GetImageJob)
	authed.GET("/images/gallery", h.Gallery)

	authed.POST("/subscriptions/activate", h.ActivateSubscription)
	authed.GET("/subscriptions/me", h.SubscriptionSnapshot)

	return r
}
