package services

import "errors"

var (
	// ErrAlreadyVoted: the verifier already has a vote on the submission.
	// Callers should surface the returned state rather than retry.
	ErrAlreadyVoted = errors.New("verifier has already voted on this submission")
	// ErrSubmissionNotPending: the submission already has a final decision.
	ErrSubmissionNotPending = errors.New("submission is not pending")
	ErrUnknownSubmission    = errors.New("unknown submission")
	// ErrStoreUnavailable wraps transient store failures. Retry with backoff.
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInvalidDecision  = errors.New("decision must be approve or reject")
	ErrMissingVerifier  = errors.New("verifier id is required")

	ErrInvalidCredentials = errors.New("invalid verifier credentials")
	ErrVerifierInactive   = errors.New("verifier is not active")
)
