package image

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/velora-ai/companion/internal/character"
	"github.com/velora-ai/companion/internal/common"
	"github.com/velora-ai/companion/internal/subscription"
)

var (
	ErrPhotoQuota  = errors.New("photo quota exhausted")
	ErrJobNotFound = errors.New("photo job not found")
)

// JobPublisher hands queued photo jobs to the broker.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

// Renderer is the slice of the diffusion client the service needs.
type Renderer interface {
	Txt2Img(ctx context.Context, prompt string) (string, error)
}

// Service generates character scene photos, synchronously or through
// the job queue, and serves the resulting gallery.
type Service struct {
	db         *gorm.DB
	subs       *subscription.Service
	characters *character.Service
	renderer   Renderer
	publisher  JobPublisher
	galleryDir string
}

func NewService(db *gorm.DB, subs *subscription.Service, characters *character.Service, renderer Renderer, publisher JobPublisher, galleryDir string) *Service {
	return &Service{
		db:         db,
		subs:       subs,
		characters: characters,
		renderer:   renderer,
		publisher:  publisher,
		galleryDir: galleryDir,
	}
}

// ScenePrompt renders the diffusion prompt for a character's current
// scene.
func ScenePrompt(ch *character.Character) string {
	return fmt.Sprintf("photo of %s, %s, highly detailed, soft lighting", ch.Appearance, ch.Location)
}

// Photo is one generated gallery entry.
type Photo struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

func (s *Service) userDir(userID uint64) string {
	return filepath.Join(s.galleryDir, fmt.Sprintf("%d", userID))
}

func (s *Service) save(userID uint64, b64 string) (Photo, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Photo{}, fmt.Errorf("decoding image: %w", err)
	}
	dir := s.userDir(userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Photo{}, err
	}
	name := uuid.NewString() + ".png"
	if err := os.WriteFile(filepath.Join(dir, name), raw, 0o644); err != nil {
		return Photo{}, err
	}
	return Photo{
		Filename: name,
		URL:      fmt.Sprintf("/gallery/%d/%s", userID, name),
	}, nil
}

// Generate runs one synchronous generation: gate, render, save, debit.
func (s *Service) Generate(ctx context.Context, userID, characterID uint64) (Photo, error) {
	ok, err := s.subs.CanPhoto(ctx, userID)
	if err != nil {
		return Photo{}, err
	}
	if !ok {
		return Photo{}, ErrPhotoQuota
	}
	ch, err := s.characters.GetByID(ctx, characterID)
	if err != nil {
		return Photo{}, err
	}
	b64, err := s.renderer.Txt2Img(ctx, ScenePrompt(ch))
	if err != nil {
		return Photo{}, err
	}
	photo, err := s.save(userID, b64)
	if err != nil {
		return Photo{}, err
	}
	if debited, err := s.subs.DebitPhoto(ctx, userID); err != nil {
		logrus.WithError(err).Error("photo debit failed")
	} else if !debited {
		logrus.WithField("user_id", userID).Warn("photo debit refused after generation")
	}
	return photo, nil
}

// Enqueue records a queued job and publishes its id to the broker.
func (s *Service) Enqueue(ctx context.Context, userID, characterID uint64) (*PhotoJob, error) {
	ok, err := s.subs.CanPhoto(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPhotoQuota
	}
	ch, err := s.characters.GetByID(ctx, characterID)
	if err != nil {
		return nil, err
	}
	jobID, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	job := &PhotoJob{
		ID:          jobID,
		UserID:      userID,
		CharacterID: characterID,
		Prompt:      ScenePrompt(ch),
		Status:      JobQueued,
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	if err := s.publisher.PublishJob(ctx, job.ID); err != nil {
		s.db.WithContext(ctx).Model(job).Updates(map[string]any{
			"status":     JobFailed,
			"last_error": "publish failed",
		})
		return nil, err
	}
	return job, nil
}

// Job returns one job owned by the user.
func (s *Service) Job(ctx context.Context, userID uint64, jobID string) (*PhotoJob, error) {
	var job PhotoJob
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", jobID, userID).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ProcessJob runs a queued job to completion. A job already past queued
// is skipped, which makes queue redelivery harmless.
func (s *Service) ProcessJob(ctx context.Context, jobID string) error {
	var job PhotoJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logrus.WithField("job_id", jobID).Warn("skipping unknown photo job")
			return nil
		}
		return err
	}
	if job.Status != JobQueued {
		logrus.WithFields(logrus.Fields{"job_id": jobID, "status": job.Status}).Info("skipping already handled photo job")
		return nil
	}
	if err := s.db.WithContext(ctx).Model(&job).Update("status", JobRunning).Error; err != nil {
		return err
	}

	b64, err := s.renderer.Txt2Img(ctx, job.Prompt)
	if err != nil {
		return s.failJob(ctx, &job, err)
	}
	photo, err := s.save(job.UserID, b64)
	if err != nil {
		return s.failJob(ctx, &job, err)
	}
	if err := s.db.WithContext(ctx).Model(&job).Updates(map[string]any{
		"status":   JobSucceeded,
		"filename": photo.Filename,
		"url":      photo.URL,
	}).Error; err != nil {
		return err
	}
	if debited, err := s.subs.DebitPhoto(ctx, job.UserID); err != nil {
		logrus.WithError(err).Error("photo debit failed")
	} else if !debited {
		logrus.WithField("user_id", job.UserID).Warn("photo debit refused after job")
	}
	return nil
}

func (s *Service) failJob(ctx context.Context, job *PhotoJob, cause error) error {
	logrus.WithError(cause).WithField("job_id", job.ID).Error("photo job failed")
	return s.db.WithContext(ctx).Model(job).Updates(map[string]any{
		"status":     JobFailed,
		"last_error": cause.Error(),
	}).Error
}

// Gallery lists the user's saved photos, newest first.
func (s *Service) Gallery(userID uint64) ([]Photo, error) {
	dir := s.userDir(userID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return []Photo{}, nil
	}
	if err != nil {
		return nil, err
	}
	type stamped struct {
		photo Photo
		mod   int64
	}
	files := make([]stamped, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".png") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, stamped{
			photo: Photo{
				Filename: e.Name(),
				URL:      fmt.Sprintf("/gallery/%d/%s", userID, e.Name()),
			},
			mod: info.ModTime().UnixNano(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod > files[j].mod })
	photos := make([]Photo, 0, len(files))
	for _, f := range files {
		photos = append(photos, f.photo)
	}
	return photos, nil
}
