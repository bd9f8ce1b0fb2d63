package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/cetrio/dss/internal/models"
)

// StaticStreamRepository provides catalog entries for db-backed providers.
type StaticStreamRepository interface {
	// ListByCollection returns all catalog entries for a provider's
	// collection, in insertion order.
	ListByCollection(ctx context.Context, collection string) ([]*models.StaticStream, error)

	// Create inserts a catalog entry.
	Create(ctx context.Context, entry *models.StaticStream) error
}

type staticStreamRepo struct {
	db *gorm.DB
}

// NewStaticStreamRepository creates a new StaticStreamRepository.
func NewStaticStreamRepository(db *gorm.DB) StaticStreamRepository {
	return &staticStreamRepo{db: db}
}

func (r *staticStreamRepo) ListByCollection(ctx context.Context, collection string) ([]*models.StaticStream, error) {
	var entries []*models.StaticStream
	err := r.db.WithContext(ctx).
		Where("collection = ?", collection).
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("listing static streams for %q: %w", collection, err)
	}
	return entries, nil
}

func (r *staticStreamRepo) Create(ctx context.Context, entry *models.StaticStream) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("creating static stream: %w", err)
	}
	return nil
}
