package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/velora-ai/companion/internal/character"
	"github.com/velora-ai/companion/internal/config"
	"github.com/velora-ai/companion/internal/db"
	"github.com/velora-ai/companion/internal/httpapi"
	"github.com/velora-ai/companion/internal/store/rabbitmq"
	"github.com/velora-ai/companion/internal/store/redisstore"
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetOutput(os.Stdout)

	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rds.Ping(pingCtx); err != nil {
		logrus.WithError(err).Warn("redis unreachable, rate limiting fails open")
	}
	cancel()

	publisher, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		logrus.WithError(err).Fatal("connecting to rabbitmq")
	}
	defer publisher.Close()

	// seed characters from the definitions directory
	characters := character.NewService(gdb, cfg.CharactersDir)
	if n, err := characters.Reload(context.Background()); err != nil {
		logrus.WithError(err).Warn("importing character definitions")
	} else {
		logrus.WithField("imported", n).Info("character definitions loaded")
	}

	router := httpapi.NewRouter(gdb, cfg, rds, publisher)

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		logrus.WithField("addr", addr).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("server stopped")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logrus.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("graceful shutdown failed")
	}
}
