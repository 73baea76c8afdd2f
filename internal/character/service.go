package character

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("character not found")

// Service is the authoritative character store backed by the database,
// hydrated from the file registry at startup and on demand.
type Service struct {
	db  *gorm.DB
	dir string
}

func NewService(db *gorm.DB, dir string) *Service {
	return &Service{db: db, dir: dir}
}

// Get looks a character up by numeric id or case-insensitive name.
func (s *Service) Get(ctx context.Context, idOrName string) (*Character, error) {
	if id, err := strconv.ParseUint(idOrName, 10, 64); err == nil {
		return s.GetByID(ctx, id)
	}
	return s.GetByName(ctx, idOrName)
}

func (s *Service) GetByID(ctx context.Context, id uint64) (*Character, error) {
	var ch Character
	if err := s.db.WithContext(ctx).First(&ch, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ch, nil
}

func (s *Service) GetByName(ctx context.Context, name string) (*Character, error) {
	var ch Character
	err := s.db.WithContext(ctx).
		Where("LOWER(name) = ?", strings.ToLower(strings.TrimSpace(name))).
		First(&ch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ch, nil
}

func (s *Service) List(ctx context.Context) ([]Character, error) {
	var out []Character
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) Create(ctx context.Context, ch *Character) error {
	return s.db.WithContext(ctx).Create(ch).Error
}

func (s *Service) Update(ctx context.Context, ch *Character) error {
	return s.db.WithContext(ctx).Save(ch).Error
}

func (s *Service) Delete(ctx context.Context, id uint64) error {
	res := s.db.WithContext(ctx).Delete(&Character{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Reload re-imports the file registry. Existing rows are matched by name
// case-insensitively and overwritten; unknown names are inserted.
// Re-running against unchanged files is a no-op in effect.
func (s *Service) Reload(ctx context.Context) (int, error) {
	defs, err := LoadDir(s.dir)
	if err != nil {
		return 0, err
	}

	imported := 0
	for _, def := range defs {
		existing, err := s.GetByName(ctx, def.Name)
		switch {
		case err == nil:
			existing.Name = def.Name
			existing.Prompt = def.Prompt
			existing.Appearance = def.Appearance
			existing.Location = def.Location
			if err := s.db.WithContext(ctx).Save(existing).Error; err != nil {
				logrus.WithError(err).WithField("name", def.Name).Error("update character")
				continue
			}
		case errors.Is(err, ErrNotFound):
			row := Character{
				Name:       def.Name,
				Prompt:     def.Prompt,
				Appearance: def.Appearance,
				Location:   def.Location,
			}
			if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
				logrus.WithError(err).WithField("name", def.Name).Error("insert character")
				continue
			}
		default:
			return imported, err
		}
		imported++
	}
	return imported, nil
}
