package storage

import (
	"context"

	"trustbond-server/models"

	"gorm.io/gorm"
)

type VerifierRepository struct {
	db *gorm.DB
}

func NewVerifierRepository(db *gorm.DB) *VerifierRepository {
	return &VerifierRepository{db: db}
}

func (r *VerifierRepository) Create(ctx context.Context, verifier *models.Verifier) error {
	return r.db.WithContext(ctx).Create(verifier).Error
}

func (r *VerifierRepository) Get(ctx context.Context, id string) (*models.Verifier, error) {
	var verifier models.Verifier
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&verifier).Error; err != nil {
		return nil, notFound(err)
	}
	return &verifier, nil
}

func (r *VerifierRepository) SetActive(ctx context.Context, id string, active bool) error {
	result := r.db.WithContext(ctx).
		Model(&models.Verifier{}).
		Where("id = ?", id).
		Update("active", active)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
