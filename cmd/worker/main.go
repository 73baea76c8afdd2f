package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/velora-ai/companion/internal/character"
	"github.com/velora-ai/companion/internal/config"
	"github.com/velora-ai/companion/internal/db"
	"github.com/velora-ai/companion/internal/image"
	"github.com/velora-ai/companion/internal/store/rabbitmq"
	"github.com/velora-ai/companion/internal/subscription"
)

type jobMsg struct {
	JobID string `json:"job_id"`
}

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetOutput(os.Stdout)

	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

	subs := subscription.NewService(gdb)
	characters := character.NewService(gdb, cfg.CharactersDir)
	renderer := image.NewDiffusionClient(cfg.SDAPIURL)
	// the worker consumes jobs, it never publishes
	svc := image.NewService(gdb, subs, characters, renderer, nil, cfg.GalleryDir)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		logrus.WithError(err).Fatal("rabbit dial")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logrus.WithError(err).Fatal("rabbit channel")
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		logrus.WithError(err).Fatal("queue declare")
	}

	concurrency := workerConcurrency()
	if err := ch.Qos(concurrency, 0, false); err != nil {
		logrus.WithError(err).Fatal("qos")
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		logrus.WithError(err).Fatal("consume")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logrus.WithFields(logrus.Fields{
		"queue":       cfg.RabbitQueue,
		"concurrency": concurrency,
	}).Info("worker started")

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var m jobMsg
				if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
					logrus.WithField("worker", workerID).WithError(err).Error("bad message")
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := svc.ProcessJob(ctx, m.JobID); err != nil {
					logrus.WithFields(logrus.Fields{
						"worker": workerID,
						"job_id": m.JobID,
						"cost":   time.Since(start).String(),
					}).WithError(err).Error("job failed")
					_ = d.Nack(false, false)
					continue
				}
				if err := d.Ack(false); err != nil {
					logrus.WithFields(logrus.Fields{
						"worker": workerID,
						"job_id": m.JobID,
					}).WithError(err).Error("ack failed")
				}
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			logrus.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return
		case d, ok := <-msgs:
			if !ok {
				logrus.Warn("delivery channel closed")
				time.Sleep(time.Second)
				continue
			}
			jobs <- d
		}
	}
}
