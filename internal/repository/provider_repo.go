package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/cetrio/dss/internal/models"
)

// ProviderRepository provides provider definitions stored in the database.
type ProviderRepository interface {
	// GetAll returns every stored provider definition.
	GetAll(ctx context.Context) ([]*models.ProviderRecord, error)

	// Create inserts a provider definition.
	Create(ctx context.Context, record *models.ProviderRecord) error
}

type providerRepo struct {
	db *gorm.DB
}

// NewProviderRepository creates a new ProviderRepository.
func NewProviderRepository(db *gorm.DB) ProviderRepository {
	return &providerRepo{db: db}
}

func (r *providerRepo) GetAll(ctx context.Context) ([]*models.ProviderRecord, error) {
	var records []*models.ProviderRecord
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}
	return records, nil
}

func (r *providerRepo) Create(ctx context.Context, record *models.ProviderRecord) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("creating provider: %w", err)
	}
	return nil
}
