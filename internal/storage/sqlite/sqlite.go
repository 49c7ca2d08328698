package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fenggwsx/roomcast/internal/config"
	"github.com/fenggwsx/roomcast/internal/storage"
)

// Store is a GORM-backed SQLite implementation of storage.Store.
type Store struct {
	db *gorm.DB
}

type subjectModel struct {
	ID          string `gorm:"primaryKey"`
	Provider    string `gorm:"uniqueIndex:idx_subject_identity"`
	ExternalID  string `gorm:"uniqueIndex:idx_subject_identity"`
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (subjectModel) TableName() string { return "subjects" }

// NewStore opens a SQLite database at the provided path.
func NewStore(cfg config.DatabaseConfig) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate applies schema updates.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&subjectModel{})
}

// FindOrCreateSubject returns the subject bound to identity, creating it on
// first sight. A changed display name is stored.
func (s *Store) FindOrCreateSubject(ctx context.Context, identity storage.ExternalIdentity) (*storage.Subject, error) {
	identity.Provider = strings.TrimSpace(identity.Provider)
	identity.ExternalID = strings.TrimSpace(identity.ExternalID)
	if identity.Provider == "" || identity.ExternalID == "" {
		return nil, errors.New("identity requires provider and external id")
	}

	var model subjectModel
	find := func() error {
		return s.db.WithContext(ctx).
			Where(subjectModel{Provider: identity.Provider, ExternalID: identity.ExternalID}).
			Attrs(subjectModel{ID: uuid.NewString(), DisplayName: identity.DisplayName}).
			FirstOrCreate(&model).Error
	}
	if err := find(); err != nil {
		// A concurrent first login may have inserted the row between our
		// select and insert.
		model = subjectModel{}
		if retryErr := find(); retryErr != nil {
			return nil, fmt.Errorf("find or create subject: %w", errors.Join(retryErr, err))
		}
	}

	if identity.DisplayName != "" && identity.DisplayName != model.DisplayName {
		if err := s.db.WithContext(ctx).Model(&model).Update("display_name", identity.DisplayName).Error; err != nil {
			return nil, fmt.Errorf("update display name: %w", err)
		}
	}
	return toSubject(model), nil
}

// GetSubject retrieves a subject by id.
func (s *Store) GetSubject(ctx context.Context, id string) (*storage.Subject, error) {
	var model subjectModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return toSubject(model), nil
}

// DisplayName reports the display name of a subject, false when the subject
// is unknown or has none.
func (s *Store) DisplayName(ctx context.Context, id string) (string, bool, error) {
	subject, err := s.GetSubject(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return subject.DisplayName, subject.DisplayName != "", nil
}

func toSubject(model subjectModel) *storage.Subject {
	return &storage.Subject{
		ID:          model.ID,
		Provider:    model.Provider,
		ExternalID:  model.ExternalID,
		DisplayName: model.DisplayName,
		CreatedAt:   model.CreatedAt,
		UpdatedAt:   model.UpdatedAt,
	}
}
