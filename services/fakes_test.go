package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"

	"trustbond-server/consensus"
	"trustbond-server/models"
	"trustbond-server/storage"
)

// memVoteStore is an in-memory VoteStore; the mutex stands in for the
// database's unique index.
type memVoteStore struct {
	mu    sync.Mutex
	votes []models.Vote
	err   error
}

func (s *memVoteStore) InsertIfAbsent(_ context.Context, vote *models.Vote) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	for _, v := range s.votes {
		if v.SubmissionID == vote.SubmissionID && v.VerifierID == vote.VerifierID {
			return false, nil
		}
	}
	vote.ID = uint(len(s.votes) + 1)
	s.votes = append(s.votes, *vote)
	return true, nil
}

func (s *memVoteStore) ListBySubmission(_ context.Context, submissionID string) ([]models.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []models.Vote
	for _, v := range s.votes {
		if v.SubmissionID == submissionID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *memVoteStore) count(submissionID string) int {
	votes, _ := s.ListBySubmission(context.Background(), submissionID)
	return len(votes)
}

// memSubmissionStore counts successful terminal writes.
type memSubmissionStore struct {
	mu          sync.Mutex
	submissions map[string]models.Submission
	writes      int
	err         error
}

func newMemSubmissionStore(ids ...string) *memSubmissionStore {
	s := &memSubmissionStore{submissions: map[string]models.Submission{}}
	for _, id := range ids {
		s.submissions[id] = models.Submission{ID: id, Status: models.StatusPending, CreatedAt: time.Now()}
	}
	return s
}

func (s *memSubmissionStore) Get(_ context.Context, id string) (*models.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	sub, ok := s.submissions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &sub, nil
}

func (s *memSubmissionStore) Finalize(_ context.Context, id string, d models.SubmissionDecision) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	sub, ok := s.submissions[id]
	if !ok || sub.Status != models.StatusPending {
		return false, nil
	}
	decidedAt := d.DecidedAt
	sub.Status = d.Status
	sub.Approvals = d.Approvals
	sub.Rejections = d.Rejections
	sub.RejectionReason = d.RejectionReason
	sub.DecisionDigest = d.DecisionDigest
	sub.DecidedAt = &decidedAt
	s.submissions[id] = sub
	s.writes++
	return true, nil
}

func (s *memSubmissionStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) ofType(t EventType) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type failingLedger struct{}

func (failingLedger) RecordDecision(context.Context, string, models.SubmissionDecision) (string, error) {
	return "", errors.New("ledger offline")
}

// tickingClock returns strictly increasing times so vote order is explicit.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newMemEngine(t *testing.T, rule consensus.Rule, ids ...string) (*ConsensusEngine, *memVoteStore, *memSubmissionStore, *recordingPublisher) {
	t.Helper()
	votes := &memVoteStore{}
	submissions := newMemSubmissionStore(ids...)
	publisher := &recordingPublisher{}

	engine, err := NewConsensusEngine(votes, submissions, rule,
		WithPublisher(publisher),
		WithClock(tickingClock()),
	)
	require.NoError(t, err)
	return engine, votes, submissions, publisher
}

type sqlStores struct {
	votes       *storage.VoteRepository
	submissions *storage.SubmissionRepository
}

func newSQLStores(t *testing.T) sqlStores {
	t.Helper()
	db, err := storage.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())))
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	return sqlStores{
		votes:       storage.NewVoteRepository(db),
		submissions: storage.NewSubmissionRepository(db),
	}
}

// newPooledSQLStores opens a WAL file database with several connections so
// concurrent callers really hit the database in parallel.
func newPooledSQLStores(t *testing.T) sqlStores {
	t.Helper()
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000", filepath.Join(t.TempDir(), "trustbond.db"))
	db, err := storage.Open(sqlite.Open(dsn))
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(8)
	t.Cleanup(func() { sqlDB.Close() })

	return sqlStores{
		votes:       storage.NewVoteRepository(db),
		submissions: storage.NewSubmissionRepository(db),
	}
}

func (s sqlStores) newSubmission(t *testing.T) string {
	t.Helper()
	submission := &models.Submission{
		ID:           uuid.NewString(),
		UserRef:      "user-1",
		DocumentType: "passport",
		DocumentRef:  "docs/passport.pdf",
		Status:       models.StatusPending,
	}
	require.NoError(t, s.submissions.Create(context.Background(), submission))
	return submission.ID
}
