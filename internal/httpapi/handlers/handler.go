package handlers

import (
	"gorm.io/gorm"

	"github.com/velora-ai/companion/internal/auth"
	"github.com/velora-ai/companion/internal/character"
	"github.com/velora-ai/companion/internal/chat"
	"github.com/velora-ai/companion/internal/config"
	"github.com/velora-ai/companion/internal/email"
	"github.com/velora-ai/companion/internal/image"
	"github.com/velora-ai/companion/internal/llm"
	"github.com/velora-ai/companion/internal/store/redisstore"
	"github.com/velora-ai/companion/internal/subscription"

	"github.com/gin-gonic/gin"

	"github.com/velora-ai/companion/internal/httpapi/middleware"
)

type Handler struct {
	DB         *gorm.DB
	Cfg        config.Config
	Redis      *redisstore.Store
	LLM        *llm.Client
	Subs       *subscription.Service
	Characters *character.Service
	ChatRepo   *chat.Repo
	ChatSvc    *chat.Service
	Images     *image.Service
	Refresh    *auth.RefreshStore
	Verify     *email.VerificationService
}

func NewHandler(db *gorm.DB, cfg config.Config, rds *redisstore.Store, publisher image.JobPublisher) *Handler {
	llmClient := llm.NewClient(cfg.LLMBaseURL, cfg.LLMModel, cfg.LLMProbeTimeout, llm.Params{
		MaxTokens:       cfg.MaxTokens,
		Temperature:     cfg.Temperature,
		TopP:            cfg.TopP,
		TopK:            cfg.TopK,
		RepeatPenalty:   cfg.RepeatPenalty,
		PresencePenalty: cfg.PresencePenalty,
	})
	subs := subscription.NewService(db)
	characters := character.NewService(db, cfg.CharactersDir)
	chatRepo := chat.NewRepo(db)
	chatSvc := chat.NewService(chatRepo, subs, llmClient, cfg.ChatHistoryWindow, cfg.TurnDeadline)
	renderer := image.NewDiffusionClient(cfg.SDAPIURL)
	images := image.NewService(db, subs, characters, renderer, publisher, cfg.GalleryDir)
	mailer := &email.Sender{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPass,
		From:     cfg.SMTPFrom,
	}

	return &Handler{
		DB:         db,
		Cfg:        cfg,
		Redis:      rds,
		LLM:        llmClient,
		Subs:       subs,
		Characters: characters,
		ChatRepo:   chatRepo,
		ChatSvc:    chatSvc,
		Images:     images,
		Refresh:    auth.NewRefreshStore(db, cfg.RefreshTokenTTL),
		Verify:     email.NewVerificationService(db, mailer),
	}
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}
