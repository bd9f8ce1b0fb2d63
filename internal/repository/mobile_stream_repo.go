// Package repository provides data access for dss entities.
package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/cetrio/dss/internal/models"
)

// MobileStreamRepository manages mobile session records.
type MobileStreamRepository interface {
	// StartSession resumes the session with the given id when it exists,
	// or creates a fresh record (generating an id when the given one is
	// empty or invalid). Returns the assigned session id.
	StartSession(ctx context.Context, id string) (string, error)

	// AppendPosition pushes one GPS fix onto the session's history.
	AppendPosition(ctx context.Context, id string, pos models.Position) error

	// EndSession marks the session inactive.
	EndSession(ctx context.Context, id string) error

	// Active lists all sessions currently marked active.
	Active(ctx context.Context) ([]*models.MobileStream, error)

	// DeactivateAll clears the active flag on every record. Used at
	// startup: active rows mean the previous run did not close properly.
	DeactivateAll(ctx context.Context) (int64, error)

	// GetByID retrieves one session record, nil when not found.
	GetByID(ctx context.Context, id string) (*models.MobileStream, error)
}

// mobileStreamRepo implements MobileStreamRepository using GORM.
type mobileStreamRepo struct {
	db *gorm.DB
}

// NewMobileStreamRepository creates a new MobileStreamRepository.
func NewMobileStreamRepository(db *gorm.DB) MobileStreamRepository {
	return &mobileStreamRepo{db: db}
}

func (r *mobileStreamRepo) StartSession(ctx context.Context, id string) (string, error) {
	now := time.Now().UTC()

	if models.ValidSessionID(id) {
		existing, err := r.GetByID(ctx, id)
		if err != nil {
			return "", err
		}
		if existing != nil {
			existing.Start = now
			existing.Active = true
			if err := r.db.WithContext(ctx).Save(existing).Error; err != nil {
				return "", fmt.Errorf("resuming mobile session: %w", err)
			}
			return existing.ID, nil
		}
	} else {
		id = ""
	}

	if id == "" {
		id = models.NewSessionID()
	}

	record := &models.MobileStream{
		ID:     id,
		Start:  now,
		Active: true,
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return "", fmt.Errorf("creating mobile session: %w", err)
	}
	return record.ID, nil
}

func (r *mobileStreamRepo) AppendPosition(ctx context.Context, id string, pos models.Position) error {
	record, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("mobile session %q not found", id)
	}
	record.Position = append(record.Position, pos)
	if err := r.db.WithContext(ctx).Save(record).Error; err != nil {
		return fmt.Errorf("appending position: %w", err)
	}
	return nil
}

func (r *mobileStreamRepo) EndSession(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).
		Model(&models.MobileStream{}).
		Where("id = ?", id).
		Update("active", false).Error
	if err != nil {
		return fmt.Errorf("ending mobile session: %w", err)
	}
	return nil
}

func (r *mobileStreamRepo) Active(ctx context.Context) ([]*models.MobileStream, error) {
	var records []*models.MobileStream
	if err := r.db.WithContext(ctx).Where("active = ?", true).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("listing active mobile sessions: %w", err)
	}
	return records, nil
}

func (r *mobileStreamRepo) DeactivateAll(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.MobileStream{}).
		Where("active = ?", true).
		Update("active", false)
	if res.Error != nil {
		return 0, fmt.Errorf("deactivating mobile sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *mobileStreamRepo) GetByID(ctx context.Context, id string) (*models.MobileStream, error) {
	var record models.MobileStream
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&record).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting mobile session: %w", err)
	}
	return &record, nil
}
