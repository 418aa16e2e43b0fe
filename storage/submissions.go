package storage

import (
	"context"
	"time"

	"trustbond-server/models"

	"gorm.io/gorm"
)

type SubmissionRepository struct {
	db *gorm.DB
}

func NewSubmissionRepository(db *gorm.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

func (r *SubmissionRepository) Create(ctx context.Context, submission *models.Submission) error {
	return r.db.WithContext(ctx).Create(submission).Error
}

func (r *SubmissionRepository) Get(ctx context.Context, id string) (*models.Submission, error) {
	var submission models.Submission
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&submission).Error; err != nil {
		return nil, notFound(err)
	}
	return &submission, nil
}

// Finalize moves a pending submission to its terminal state. The update is
// guarded by status = 'pending', so across any number of concurrent callers
// at most one sees applied == true.
func (r *SubmissionRepository) Finalize(ctx context.Context, id string, decision models.SubmissionDecision) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ? AND status = ?", id, models.StatusPending).
		Updates(map[string]any{
			"status":           decision.Status,
			"approvals":        decision.Approvals,
			"rejections":       decision.Rejections,
			"rejection_reason": decision.RejectionReason,
			"decision_digest":  decision.DecisionDigest,
			"decided_at":       decision.DecidedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *SubmissionRepository) List(ctx context.Context, status models.SubmissionStatus, page, perPage int) ([]models.Submission, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Submission{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var submissions []models.Submission
	err := query.Order("created_at ASC, id ASC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&submissions).Error
	if err != nil {
		return nil, 0, err
	}
	return submissions, total, nil
}

// ListPendingIDs returns the ids of every pending submission, oldest first.
func (r *SubmissionRepository) ListPendingIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("status = ?", models.StatusPending).
		Order("created_at ASC").
		Pluck("id", &ids).Error
	return ids, err
}

func (r *SubmissionRepository) ListDecidedSince(ctx context.Context, since time.Time) ([]models.Submission, error) {
	var submissions []models.Submission
	err := r.db.WithContext(ctx).
		Where("status <> ? AND decided_at >= ?", models.StatusPending, since.UTC()).
		Order("decided_at ASC").
		Find(&submissions).Error
	return submissions, err
}

func (r *SubmissionRepository) CountByStatus(ctx context.Context) (map[models.SubmissionStatus]int64, error) {
	var rows []struct {
		Status models.SubmissionStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := map[models.SubmissionStatus]int64{
		models.StatusPending:  0,
		models.StatusVerified: 0,
		models.StatusRejected: 0,
	}
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
