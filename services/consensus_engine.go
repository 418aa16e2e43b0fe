package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trustbond-server/consensus"
	"trustbond-server/models"
	"trustbond-server/storage"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

var validDecisions = []models.VoteDecision{models.DecisionApprove, models.DecisionReject}

// VoteStore is the durable vote collection. InsertIfAbsent must be atomic
// with respect to (submission, verifier). A store that can see submission
// status may also refuse votes for submissions that are no longer pending;
// inserted is false in both cases.
type VoteStore interface {
	InsertIfAbsent(ctx context.Context, vote *models.Vote) (bool, error)
	ListBySubmission(ctx context.Context, submissionID string) ([]models.Vote, error)
}

// SubmissionStore holds submission status. Finalize must only apply while
// the stored status is still pending. Get returns storage.ErrNotFound for
// unknown ids.
type SubmissionStore interface {
	Get(ctx context.Context, id string) (*models.Submission, error)
	Finalize(ctx context.Context, id string, decision models.SubmissionDecision) (bool, error)
}

// VoteResult is returned by CastVote. It is also returned alongside
// ErrAlreadyVoted and ErrSubmissionNotPending to describe the current state.
type VoteResult struct {
	Tally       consensus.Tally         `json:"tally"`
	Status      models.SubmissionStatus `json:"status"`
	JustReached bool                    `json:"just_reached"`
}

type ConsensusOutcome struct {
	Reached         bool                    `json:"reached"`
	Decision        models.SubmissionStatus `json:"decision,omitempty"`
	Verdict         consensus.Verdict       `json:"verdict"`
	Tally           consensus.Tally         `json:"tally"`
	RejectionReason string                  `json:"rejection_reason,omitempty"`
	// JustApplied is true only for the evaluation that performed the
	// terminal write.
	JustApplied bool `json:"just_applied"`

	// uncounted is set on terminal outcomes when votes exist that the
	// stored decision did not count.
	uncounted bool
}

type TallyView struct {
	Approvals  int                     `json:"approvals"`
	Rejections int                     `json:"rejections"`
	Total      int                     `json:"total"`
	Status     models.SubmissionStatus `json:"status"`
}

type ConsensusEngine struct {
	votes       VoteStore
	submissions SubmissionStore
	publisher   Publisher
	ledger      Ledger
	metrics     *Metrics
	log         *zap.Logger
	rule        consensus.Rule
	now         func() time.Time
}

type EngineOption func(*ConsensusEngine)

func WithPublisher(p Publisher) EngineOption {
	return func(e *ConsensusEngine) { e.publisher = p }
}

func WithLedger(l Ledger) EngineOption {
	return func(e *ConsensusEngine) { e.ledger = l }
}

func WithMetrics(m *Metrics) EngineOption {
	return func(e *ConsensusEngine) { e.metrics = m }
}

func WithLogger(l *zap.Logger) EngineOption {
	return func(e *ConsensusEngine) { e.log = l }
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *ConsensusEngine) { e.now = now }
}

func NewConsensusEngine(votes VoteStore, submissions SubmissionStore, rule consensus.Rule, opts ...EngineOption) (*ConsensusEngine, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	e := &ConsensusEngine{
		votes:       votes,
		submissions: submissions,
		publisher:   nopPublisher{},
		ledger:      DigestLedger{},
		log:         zap.NewNop(),
		rule:        rule,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *ConsensusEngine) Rule() consensus.Rule { return e.rule }

// CastVote records one verifier's decision and evaluates the quorum.
//
// On ErrAlreadyVoted and ErrSubmissionNotPending the returned VoteResult is
// non-nil and describes the submission as it is now.
func (e *ConsensusEngine) CastVote(ctx context.Context, submissionID, verifierID string, decision models.VoteDecision, note string) (*VoteResult, error) {
	if !slices.Contains(validDecisions, decision) {
		return nil, ErrInvalidDecision
	}
	if verifierID == "" {
		return nil, ErrMissingVerifier
	}

	submission, err := e.loadSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if submission.Status.IsTerminal() {
		result, err := e.currentResult(ctx, submission)
		if err != nil {
			return nil, err
		}
		return result, ErrSubmissionNotPending
	}

	vote := &models.Vote{
		SubmissionID: submissionID,
		VerifierID:   verifierID,
		Decision:     decision,
		Note:         note,
		CastAt:       e.now().UTC(),
	}
	inserted, err := e.votes.InsertIfAbsent(ctx, vote)
	if err != nil {
		return nil, fmt.Errorf("%w: insert vote: %w", ErrStoreUnavailable, err)
	}

	if !inserted {
		// Re-evaluating here lets a caller that retries after a failed
		// evaluation still drive the submission to its decision.
		outcome, err := e.evaluate(ctx, submissionID)
		if err != nil {
			return nil, err
		}
		e.announce(ctx, submissionID, outcome)

		if outcome.Reached && !outcome.JustApplied {
			// Finalized after the pending check above.
			return resultFrom(outcome), ErrSubmissionNotPending
		}

		e.metrics.duplicateVote()
		e.log.Info("duplicate vote ignored",
			zap.String("submission", submissionID),
			zap.String("verifier", verifierID))
		return resultFrom(outcome), ErrAlreadyVoted
	}

	outcome, err := e.evaluate(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("vote recorded, evaluation failed: %w", err)
	}

	if outcome.Reached && !outcome.JustApplied && outcome.uncounted {
		// Another evaluation finalized between the pending check and the
		// insert. The row stays but is not part of the decision.
		e.metrics.lateVote()
		e.log.Warn("vote arrived after finalization",
			zap.String("submission", submissionID),
			zap.String("verifier", verifierID),
			zap.String("status", string(outcome.Decision)))
		return resultFrom(outcome), ErrSubmissionNotPending
	}

	e.metrics.voteCast(decision)
	e.log.Info("vote recorded",
		zap.String("submission", submissionID),
		zap.String("verifier", verifierID),
		zap.String("decision", string(decision)))

	e.publish(ctx, Event{
		Type:         EventVoteAdded,
		SubmissionID: submissionID,
		VerifierID:   verifierID,
		Decision:     decision,
		Status:       statusOf(outcome),
		Tally:        outcome.Tally,
	})
	e.announce(ctx, submissionID, outcome)

	return resultFrom(outcome), nil
}

// EvaluateConsensus tallies the current vote set and, when the quorum holds
// for a pending submission, applies the terminal decision. Safe to call any
// number of times from any trigger.
func (e *ConsensusEngine) EvaluateConsensus(ctx context.Context, submissionID string) (*ConsensusOutcome, error) {
	outcome, err := e.evaluate(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	e.announce(ctx, submissionID, outcome)
	return outcome, nil
}

func (e *ConsensusEngine) GetTally(ctx context.Context, submissionID string) (*TallyView, error) {
	submission, err := e.loadSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	var tally consensus.Tally
	if submission.Status.IsTerminal() {
		tally = snapshotTally(submission)
	} else {
		votes, err := e.votes.ListBySubmission(ctx, submissionID)
		if err != nil {
			return nil, fmt.Errorf("%w: list votes: %w", ErrStoreUnavailable, err)
		}
		tally = consensus.Count(votes)
	}

	return &TallyView{
		Approvals:  tally.Approvals,
		Rejections: tally.Rejections,
		Total:      tally.Total,
		Status:     submission.Status,
	}, nil
}

func (e *ConsensusEngine) evaluate(ctx context.Context, submissionID string) (*ConsensusOutcome, error) {
	outcome, err := e.tryEvaluate(ctx, submissionID)
	if err != nil {
		e.metrics.evaluationError()
		e.log.Warn("consensus evaluation failed",
			zap.String("submission", submissionID),
			zap.Error(err))
	}
	return outcome, err
}

func (e *ConsensusEngine) tryEvaluate(ctx context.Context, submissionID string) (*ConsensusOutcome, error) {
	submission, err := e.loadSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	votes, err := e.votes.ListBySubmission(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("%w: list votes: %w", ErrStoreUnavailable, err)
	}
	tally := consensus.Count(votes)

	if submission.Status.IsTerminal() {
		return terminalOutcome(submission, tally), nil
	}

	verdict := e.rule.Decide(tally)
	status, decisive := verdict.Status()
	if !decisive {
		if verdict == consensus.Indeterminate {
			e.log.Warn("both sides cleared the threshold without approvals leading",
				zap.String("submission", submissionID),
				zap.Int("approvals", tally.Approvals),
				zap.Int("rejections", tally.Rejections))
		}
		return &ConsensusOutcome{Verdict: verdict, Tally: tally}, nil
	}

	decision := models.SubmissionDecision{
		Status:     status,
		Approvals:  tally.Approvals,
		Rejections: tally.Rejections,
		DecidedAt:  e.now().UTC().Truncate(time.Millisecond),
	}
	if status == models.StatusRejected {
		decision.RejectionReason = consensus.RejectionReason(votes)
	}

	digest, err := e.ledger.RecordDecision(ctx, submissionID, decision)
	if err != nil {
		return nil, fmt.Errorf("record decision: %w", err)
	}
	decision.DecisionDigest = digest

	applied, err := e.submissions.Finalize(ctx, submissionID, decision)
	if err != nil {
		return nil, fmt.Errorf("%w: finalize submission: %w", ErrStoreUnavailable, err)
	}

	if !applied {
		// Another evaluator won the conditional update; report its result.
		e.metrics.finalizationLost()
		current, err := e.loadSubmission(ctx, submissionID)
		if err != nil {
			return nil, err
		}
		return terminalOutcome(current, tally), nil
	}

	e.metrics.finalized(status)
	e.log.Info("consensus reached",
		zap.String("submission", submissionID),
		zap.String("decision", string(status)),
		zap.Int("approvals", tally.Approvals),
		zap.Int("rejections", tally.Rejections),
		zap.String("digest", digest))

	return &ConsensusOutcome{
		Reached:         true,
		Decision:        status,
		Verdict:         verdict,
		Tally:           tally,
		RejectionReason: decision.RejectionReason,
		JustApplied:     true,
	}, nil
}

func (e *ConsensusEngine) loadSubmission(ctx context.Context, submissionID string) (*models.Submission, error) {
	submission, err := e.submissions.Get(ctx, submissionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnknownSubmission
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load submission: %w", ErrStoreUnavailable, err)
	}
	return submission, nil
}

func (e *ConsensusEngine) currentResult(ctx context.Context, submission *models.Submission) (*VoteResult, error) {
	if submission.Status.IsTerminal() {
		return &VoteResult{Tally: snapshotTally(submission), Status: submission.Status}, nil
	}
	votes, err := e.votes.ListBySubmission(ctx, submission.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: list votes: %w", ErrStoreUnavailable, err)
	}
	return &VoteResult{Tally: consensus.Count(votes), Status: submission.Status}, nil
}

// announce publishes status_changed for the evaluation that applied the
// decision. Other evaluations stay silent.
func (e *ConsensusEngine) announce(ctx context.Context, submissionID string, outcome *ConsensusOutcome) {
	if !outcome.JustApplied {
		return
	}
	e.publish(ctx, Event{
		Type:         EventStatusChanged,
		SubmissionID: submissionID,
		Status:       outcome.Decision,
		Tally:        outcome.Tally,
		Reason:       outcome.RejectionReason,
	})
}

func (e *ConsensusEngine) publish(ctx context.Context, ev Event) {
	ev = ev.stamp(e.now())
	if err := e.publisher.Publish(ctx, ev); err != nil {
		// The write is already durable; reconcile republishes the event.
		e.metrics.notifyFailure()
		e.log.Error("failed to publish event",
			zap.String("type", string(ev.Type)),
			zap.String("submission", ev.SubmissionID),
			zap.Error(err))
	}
}

// terminalOutcome reports the stored decision. live is the tally of the vote
// rows as they are now and only decides whether some were left uncounted.
func terminalOutcome(submission *models.Submission, live consensus.Tally) *ConsensusOutcome {
	verdict := consensus.Verified
	if submission.Status == models.StatusRejected {
		verdict = consensus.Rejected
	}
	snapshot := snapshotTally(submission)
	return &ConsensusOutcome{
		Reached:         true,
		Decision:        submission.Status,
		Verdict:         verdict,
		Tally:           snapshot,
		RejectionReason: submission.RejectionReason,
		uncounted:       live != snapshot,
	}
}

// snapshotTally is the tally the terminal decision was taken on.
func snapshotTally(submission *models.Submission) consensus.Tally {
	return consensus.Tally{
		Approvals:  submission.Approvals,
		Rejections: submission.Rejections,
		Total:      submission.Approvals + submission.Rejections,
	}
}

func resultFrom(outcome *ConsensusOutcome) *VoteResult {
	return &VoteResult{
		Tally:       outcome.Tally,
		Status:      statusOf(outcome),
		JustReached: outcome.JustApplied,
	}
}

func statusOf(outcome *ConsensusOutcome) models.SubmissionStatus {
	if outcome.Reached {
		return outcome.Decision
	}
	return models.StatusPending
}
