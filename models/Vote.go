package models

import (
	"time"
)

type VoteDecision string

const (
	DecisionApprove VoteDecision = "approve"
	DecisionReject  VoteDecision = "reject"
)

// Vote is immutable once written. At most one row exists per
// (submission_id, verifier_id).
type Vote struct {
	ID           uint         `json:"id" gorm:"primaryKey"`
	SubmissionID string       `json:"submission_id" gorm:"size:36;not null;uniqueIndex:idx_vote_submission_verifier,priority:1"`
	VerifierID   string       `json:"verifier_id" gorm:"size:36;not null;uniqueIndex:idx_vote_submission_verifier,priority:2;index"`
	Decision     VoteDecision `json:"decision" gorm:"size:10;not null"`
	Note         string       `json:"note,omitempty" gorm:"type:text"`
	CastAt       time.Time    `json:"cast_at" gorm:"not null"`
}
