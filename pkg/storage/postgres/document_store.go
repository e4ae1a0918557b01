package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"collabmesh/pkg/models"
	"collabmesh/pkg/storage"
)

type DocumentStore struct {
	db *gorm.DB
}

var _ storage.DocumentStore = (*DocumentStore)(nil)

// NewDocumentStore initializes GORM connection and AutoMigrates schemas.
func NewDocumentStore(connString string) (*DocumentStore, error) {
	config := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	}

	db, err := gorm.Open(postgres.Open(connString), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&models.Document{}); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return &DocumentStore{db: db}, nil
}

func (s *DocumentStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection for health reports.
func (s *DocumentStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *DocumentStore) LoadDocument(ctx context.Context, room string) (*models.Document, error) {
	var doc models.Document
	result := s.db.WithContext(ctx).First(&doc, "room = ?", room)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &doc, nil
}

// StoreDocument upserts the room row in one statement.
func (s *DocumentStore) StoreDocument(ctx context.Context, room string, state []byte) error {
	now := time.Now()
	doc := models.Document{
		ID:        uuid.New(),
		Room:      room,
		State:     state,
		Size:      len(state),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "room"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"state":      state,
			"size":       len(state),
			"updated_at": now,
			"deleted_at": nil,
			"version":    gorm.Expr("documents.version + 1"),
		}),
	}).Create(&doc)
	if result.Error != nil {
		return fmt.Errorf("failed to store document: %w", result.Error)
	}
	return nil
}

func (s *DocumentStore) ListDocuments(ctx context.Context, limit, offset int) ([]models.DocumentInfo, error) {
	var infos []models.DocumentInfo
	query := s.db.WithContext(ctx).Model(&models.Document{}).
		Select("room", "size", "version", "updated_at").
		Order("updated_at DESC").
		Offset(offset)
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Scan(&infos).Error; err != nil {
		return nil, err
	}
	return infos, nil
}

func (s *DocumentStore) ListUpdatedSince(ctx context.Context, since time.Time, limit int) ([]models.Document, error) {
	var docs []models.Document
	query := s.db.WithContext(ctx).
		Where("updated_at > ?", since).
		Order("updated_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}
