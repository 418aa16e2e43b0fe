package storage

import (
	"context"
	"fmt"
	"time"

	"trustbond-server/models"

	"gorm.io/gorm"
)

type VoteRepository struct {
	db *gorm.DB
}

func NewVoteRepository(db *gorm.DB) *VoteRepository {
	return &VoteRepository{db: db}
}

const insertVoteSQL = `INSERT INTO votes (submission_id, verifier_id, decision, note, cast_at)
SELECT ?, ?, ?, ?, ?
WHERE EXISTS (SELECT 1 FROM submissions WHERE id = ? AND status = ?%s)
ON CONFLICT (submission_id, verifier_id) DO NOTHING`

// InsertIfAbsent writes the vote unless one already exists for the same
// (submission, verifier) or the submission is no longer pending. Both checks
// and the insert are one statement; on Postgres the submission row is share
// locked so a concurrent finalization cannot slip in between. inserted is
// false when nothing was written.
func (r *VoteRepository) InsertIfAbsent(ctx context.Context, vote *models.Vote) (bool, error) {
	lock := ""
	if r.db.Dialector.Name() == "postgres" {
		lock = " FOR SHARE"
	}

	result := r.db.WithContext(ctx).Exec(fmt.Sprintf(insertVoteSQL, lock),
		vote.SubmissionID, vote.VerifierID, string(vote.Decision), vote.Note, vote.CastAt,
		vote.SubmissionID, models.StatusPending,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *VoteRepository) ListBySubmission(ctx context.Context, submissionID string) ([]models.Vote, error) {
	var votes []models.Vote
	err := r.db.WithContext(ctx).
		Where("submission_id = ?", submissionID).
		Order("cast_at ASC, id ASC").
		Find(&votes).Error
	if err != nil {
		return nil, err
	}
	return votes, nil
}

func (r *VoteRepository) Count(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&models.Vote{}).Count(&total).Error
	return total, err
}

// ListCastSince returns votes cast at or after since, oldest first.
func (r *VoteRepository) ListCastSince(ctx context.Context, since time.Time) ([]models.Vote, error) {
	var votes []models.Vote
	err := r.db.WithContext(ctx).
		Where("cast_at >= ?", since.UTC()).
		Order("cast_at ASC, id ASC").
		Find(&votes).Error
	return votes, err
}
