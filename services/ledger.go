package services

import (
	"context"
	"fmt"

	"trustbond-server/models"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Ledger records a final decision and returns a reference to the record.
// It runs before the terminal update and must not write the submission.
type Ledger interface {
	RecordDecision(ctx context.Context, submissionID string, decision models.SubmissionDecision) (string, error)
}

// DigestLedger commits to a decision with a Keccak-256 digest that can be
// anchored on chain by the wallet layer.
type DigestLedger struct{}

func (DigestLedger) RecordDecision(_ context.Context, submissionID string, decision models.SubmissionDecision) (string, error) {
	return DecisionDigest(submissionID, decision), nil
}

func DecisionDigest(submissionID string, decision models.SubmissionDecision) string {
	payload := fmt.Sprintf("%s|%s|%d|%d|%d",
		submissionID,
		decision.Status,
		decision.Approvals,
		decision.Rejections,
		decision.DecidedAt.Unix(),
	)
	return hexutil.Encode(crypto.Keccak256([]byte(payload)))
}

// VerifyDigest recomputes the digest of a decided submission.
func VerifyDigest(submission *models.Submission) bool {
	if submission.DecidedAt == nil || submission.DecisionDigest == "" {
		return false
	}
	want := DecisionDigest(submission.ID, models.SubmissionDecision{
		Status:     submission.Status,
		Approvals:  submission.Approvals,
		Rejections: submission.Rejections,
		DecidedAt:  *submission.DecidedAt,
	})
	return want == submission.DecisionDigest
}
