package models

import (
	"time"
)

type SubmissionStatus string

const (
	StatusPending  SubmissionStatus = "pending"
	StatusVerified SubmissionStatus = "verified"
	StatusRejected SubmissionStatus = "rejected"
)

// IsTerminal reports whether the status can no longer change.
func (s SubmissionStatus) IsTerminal() bool {
	return s == StatusVerified || s == StatusRejected
}

// Submission is an identity-document verification request. It leaves pending
// exactly once, through a conditional update guarded by status = 'pending'.
type Submission struct {
	ID              string           `json:"id" gorm:"primaryKey;size:36"`
	UserRef         string           `json:"user_ref" gorm:"size:64;index"`
	DocumentType    string           `json:"document_type" gorm:"size:50;not null"`
	DocumentRef     string           `json:"document_ref" gorm:"size:512;not null"`
	Status          SubmissionStatus `json:"status" gorm:"size:20;default:'pending';index;not null"` // pending, verified, rejected
	Approvals       int              `json:"approvals"`
	Rejections      int              `json:"rejections"`
	RejectionReason string           `json:"rejection_reason,omitempty" gorm:"type:text"`
	DecisionDigest  string           `json:"decision_digest,omitempty" gorm:"size:66"`
	DecidedAt       *time.Time       `json:"decided_at,omitempty" gorm:"index"`
	CreatedAt       time.Time        `json:"created_at"`
}

// SubmissionDecision carries everything the terminal transition writes.
type SubmissionDecision struct {
	Status          SubmissionStatus
	Approvals       int
	Rejections      int
	RejectionReason string
	DecisionDigest  string
	DecidedAt       time.Time
}
