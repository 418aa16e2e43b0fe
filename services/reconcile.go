package services

import (
	"context"
	"sync/atomic"
	"time"

	"trustbond-server/consensus"
	"trustbond-server/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type PendingLister interface {
	ListPendingIDs(ctx context.Context) ([]string, error)
	ListDecidedSince(ctx context.Context, since time.Time) ([]models.Submission, error)
}

// VoteHistory lists recorded votes for republishing.
type VoteHistory interface {
	ListCastSince(ctx context.Context, since time.Time) ([]models.Vote, error)
}

type ReconcileReport struct {
	Evaluated int
	Finalized int
	Failed    int
}

// Reconciler re-runs evaluation over every pending submission, catching
// decisions whose evaluation failed after the deciding vote was recorded.
type Reconciler struct {
	engine      *ConsensusEngine
	lister      PendingLister
	votes       VoteHistory
	publisher   Publisher
	log         *zap.Logger
	concurrency int
}

func NewReconciler(engine *ConsensusEngine, lister PendingLister, publisher Publisher, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Reconciler{
		engine:      engine,
		lister:      lister,
		publisher:   publisher,
		log:         log,
		concurrency: 8,
	}
}

func (r *Reconciler) WithConcurrency(n int) *Reconciler {
	if n > 0 {
		r.concurrency = n
	}
	return r
}

// WithVoteHistory makes RepublishSince re-emit vote_added events as well.
func (r *Reconciler) WithVoteHistory(votes VoteHistory) *Reconciler {
	r.votes = votes
	return r
}

// EvaluatePending evaluates each pending submission. A failure on one
// submission is logged and counted; it does not stop the others.
func (r *Reconciler) EvaluatePending(ctx context.Context) (ReconcileReport, error) {
	ids, err := r.lister.ListPendingIDs(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}

	var finalized, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			outcome, err := r.engine.EvaluateConsensus(gctx, id)
			if err != nil {
				failed.Add(1)
				r.log.Warn("reconcile evaluation failed", zap.String("submission", id), zap.Error(err))
				return nil
			}
			if outcome.JustApplied {
				finalized.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ReconcileReport{}, err
	}

	report := ReconcileReport{
		Evaluated: len(ids),
		Finalized: int(finalized.Load()),
		Failed:    int(failed.Load()),
	}
	r.log.Info("reconcile finished",
		zap.Int("evaluated", report.Evaluated),
		zap.Int("finalized", report.Finalized),
		zap.Int("failed", report.Failed))
	return report, nil
}

// RepublishSince publishes status_changed again for every submission decided
// since the given time and, with a vote history, vote_added for every vote
// cast since then. Consumers deduplicate on the event key.
func (r *Reconciler) RepublishSince(ctx context.Context, since time.Time) (int, error) {
	decided, err := r.lister.ListDecidedSince(ctx, since)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, submission := range decided {
		if err := r.publisher.Publish(ctx, StatusEvent(submission).stamp(time.Now())); err != nil {
			return published, err
		}
		published++
	}

	if r.votes == nil {
		return published, nil
	}
	votes, err := r.votes.ListCastSince(ctx, since)
	if err != nil {
		return published, err
	}

	submissions := map[string]*models.Submission{}
	tallies := map[string]*TallyView{}
	for _, vote := range votes {
		submission, ok := submissions[vote.SubmissionID]
		if !ok {
			if submission, err = r.engine.loadSubmission(ctx, vote.SubmissionID); err != nil {
				return published, err
			}
			if tallies[vote.SubmissionID], err = r.engine.GetTally(ctx, vote.SubmissionID); err != nil {
				return published, err
			}
			submissions[vote.SubmissionID] = submission
		}
		if lateVote(submission, vote) {
			continue
		}

		tally := tallies[vote.SubmissionID]
		ev := Event{
			Type:         EventVoteAdded,
			SubmissionID: vote.SubmissionID,
			VerifierID:   vote.VerifierID,
			Decision:     vote.Decision,
			Status:       tally.Status,
			Tally: consensus.Tally{
				Approvals:  tally.Approvals,
				Rejections: tally.Rejections,
				Total:      tally.Total,
			},
			OccurredAt: vote.CastAt,
		}
		if err := r.publisher.Publish(ctx, ev.stamp(time.Now())); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}

// lateVote reports whether a vote was stored after its submission was
// decided; such votes were never counted and are not announced. DecidedAt is
// kept at millisecond precision.
func lateVote(submission *models.Submission, vote models.Vote) bool {
	return submission.DecidedAt != nil && vote.CastAt.Truncate(time.Millisecond).After(*submission.DecidedAt)
}
