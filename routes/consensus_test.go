package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/middleware/jwt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"

	"trustbond-server/consensus"
	"trustbond-server/services"
	"trustbond-server/storage"
	"trustbond-server/utils"
)

const testSecret = "testsecret"

type testServer struct {
	app       *iris.Application
	verifiers *services.VerifierService
}

// buildTestApp wires the real handlers to an in-memory SQLite database.
func buildTestApp(t *testing.T) *testServer {
	t.Helper()
	db, err := storage.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	submissions := storage.NewSubmissionRepository(db)
	votes := storage.NewVoteRepository(db)

	registry := prometheus.NewRegistry()
	metrics, err := services.NewMetrics(registry)
	require.NoError(t, err)

	engine, err := services.NewConsensusEngine(votes, submissions, consensus.DefaultRule(), services.WithMetrics(metrics))
	require.NoError(t, err)

	verifiers := services.NewVerifierService(storage.NewVerifierRepository(db)).WithHashCost(bcrypt.MinCost)

	app := NewApp(&Handlers{
		Engine:      engine,
		Submissions: submissions,
		Votes:       votes,
		Verifiers:   verifiers,
		Audit:       storage.NewAuditRepository(db),
		Gatherer:    registry,
		TokenSecret: testSecret,
	})
	require.NoError(t, app.Build())

	return &testServer{app: app, verifiers: verifiers}
}

type envelope struct {
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	s.app.ServeHTTP(resp, req)

	var env envelope
	if resp.Body.Len() > 0 {
		_ = json.Unmarshal(resp.Body.Bytes(), &env)
	}
	return resp.Code, env
}

func (s *testServer) registerVerifier(t *testing.T, name string) (id, token string) {
	t.Helper()
	verifier, _, err := s.verifiers.Register(context.Background(), name)
	require.NoError(t, err)
	token, err = utils.CreateVerifierToken(testSecret, verifier.ID)
	require.NoError(t, err)
	return verifier.ID, token
}

func (s *testServer) createSubmission(t *testing.T) string {
	t.Helper()
	code, env := s.do(t, http.MethodPost, "/api/submissions", "", CreateSubmissionInput{
		UserRef:      "user-1",
		DocumentType: "passport",
		DocumentRef:  "kyc/user-1/passport.pdf",
	})
	require.Equal(t, http.StatusCreated, code)

	var submission struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &submission))
	require.Equal(t, "pending", submission.Status)
	return submission.ID
}

type voteResponse struct {
	Tally       consensus.Tally `json:"tally"`
	Status      string          `json:"status"`
	JustReached bool            `json:"just_reached"`
}

func decodeVote(t *testing.T, env envelope) voteResponse {
	t.Helper()
	var result voteResponse
	require.NoError(t, json.Unmarshal(env.Data, &result))
	return result
}

func TestCastVoteRequiresVerifierToken(t *testing.T) {
	s := buildTestApp(t)
	id := s.createSubmission(t)
	path := "/api/submissions/" + id + "/votes"
	vote := CastVoteInput{Decision: "approve"}

	// No token
	code, _ := s.do(t, http.MethodPost, path, "", vote)
	assert.Equal(t, http.StatusUnauthorized, code)

	// Wrong secret
	other, err := jwt.NewSigner(jwt.HS256, []byte("othersecret"), utils.VerifierTokenTTL).
		Sign(utils.AccessToken{ID: "bank-a", Role: utils.RoleVerifier})
	require.NoError(t, err)
	code, _ = s.do(t, http.MethodPost, path, string(other), vote)
	assert.Equal(t, http.StatusUnauthorized, code)

	// Valid token, wrong role
	user, err := jwt.NewSigner(jwt.HS256, []byte(testSecret), utils.VerifierTokenTTL).
		Sign(utils.AccessToken{ID: "user-1", Role: "user"})
	require.NoError(t, err)
	code, env := s.do(t, http.MethodPost, path, string(user), vote)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "forbidden", env.Error)
}

func TestVotingFlow(t *testing.T) {
	s := buildTestApp(t)
	id := s.createSubmission(t)
	path := "/api/submissions/" + id + "/votes"

	_, bankA := s.registerVerifier(t, "Bank A")
	_, bankB := s.registerVerifier(t, "Bank B")
	_, bankC := s.registerVerifier(t, "Bank C")

	code, env := s.do(t, http.MethodPost, path, bankA, CastVoteInput{Decision: "approve"})
	require.Equal(t, http.StatusCreated, code)
	first := decodeVote(t, env)
	assert.Equal(t, "pending", first.Status)
	assert.Equal(t, consensus.Tally{Approvals: 1, Total: 1}, first.Tally)

	// Same verifier again
	code, env = s.do(t, http.MethodPost, path, bankA, CastVoteInput{Decision: "reject"})
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already_voted", env.Error)
	assert.Equal(t, consensus.Tally{Approvals: 1, Total: 1}, decodeVote(t, env).Tally)

	code, env = s.do(t, http.MethodPost, path, bankB, CastVoteInput{Decision: "approve"})
	require.Equal(t, http.StatusCreated, code)
	second := decodeVote(t, env)
	assert.Equal(t, "verified", second.Status)
	assert.True(t, second.JustReached)

	// Closed to further votes
	code, env = s.do(t, http.MethodPost, path, bankC, CastVoteInput{Decision: "reject", Note: "late"})
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "submission_not_pending", env.Error)
	assert.Equal(t, "verified", decodeVote(t, env).Status)

	code, env = s.do(t, http.MethodGet, "/api/submissions/"+id+"/tally", "", nil)
	require.Equal(t, http.StatusOK, code)
	var tally services.TallyView
	require.NoError(t, json.Unmarshal(env.Data, &tally))
	assert.Equal(t, 2, tally.Approvals)
	assert.Equal(t, 2, tally.Total)
	assert.Equal(t, "verified", string(tally.Status))

	code, env = s.do(t, http.MethodGet, "/api/submissions/"+id, "", nil)
	require.Equal(t, http.StatusOK, code)
	var detail struct {
		DigestValid bool `json:"digest_valid"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	assert.True(t, detail.DigestValid)

	code, env = s.do(t, http.MethodGet, "/api/submissions/"+id+"/votes", "", nil)
	require.Equal(t, http.StatusOK, code)
	var votes []json.RawMessage
	require.NoError(t, json.Unmarshal(env.Data, &votes))
	assert.Len(t, votes, 2)

	// Evaluating a decided submission is a no-op that reports the decision.
	code, env = s.do(t, http.MethodPost, "/api/submissions/"+id+"/evaluate", bankA, nil)
	require.Equal(t, http.StatusOK, code)
	var outcome services.ConsensusOutcome
	require.NoError(t, json.Unmarshal(env.Data, &outcome))
	assert.True(t, outcome.Reached)
	assert.False(t, outcome.JustApplied)
	assert.Equal(t, "verified", string(outcome.Decision))
	assert.Equal(t, "verified", outcome.Verdict.String())
}

func TestRejectedSubmissionKeepsReason(t *testing.T) {
	s := buildTestApp(t)
	id := s.createSubmission(t)
	path := "/api/submissions/" + id + "/votes"

	_, bankA := s.registerVerifier(t, "Bank A")
	_, bankB := s.registerVerifier(t, "Bank B")

	code, _ := s.do(t, http.MethodPost, path, bankA, CastVoteInput{Decision: "reject", Note: "document expired"})
	require.Equal(t, http.StatusCreated, code)
	code, env := s.do(t, http.MethodPost, path, bankB, CastVoteInput{Decision: "reject"})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "rejected", decodeVote(t, env).Status)

	code, env = s.do(t, http.MethodGet, "/api/submissions/"+id, "", nil)
	require.Equal(t, http.StatusOK, code)
	var detail struct {
		Submission struct {
			Status          string `json:"status"`
			RejectionReason string `json:"rejection_reason"`
		} `json:"submission"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	assert.Equal(t, "rejected", detail.Submission.Status)
	assert.Equal(t, "document expired", detail.Submission.RejectionReason)
}

func TestVoteInputValidation(t *testing.T) {
	s := buildTestApp(t)
	id := s.createSubmission(t)
	_, bankA := s.registerVerifier(t, "Bank A")

	code, env := s.do(t, http.MethodPost, "/api/submissions/"+id+"/votes", bankA, CastVoteInput{Decision: "maybe"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_input", env.Error)

	code, _ = s.do(t, http.MethodPost, "/api/submissions", "", CreateSubmissionInput{UserRef: "user-1"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestUnknownSubmission(t *testing.T) {
	s := buildTestApp(t)
	_, bankA := s.registerVerifier(t, "Bank A")

	code, env := s.do(t, http.MethodPost, "/api/submissions/missing/votes", bankA, CastVoteInput{Decision: "approve"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", env.Error)

	for _, path := range []string{"/api/submissions/missing", "/api/submissions/missing/tally", "/api/submissions/missing/votes"} {
		code, _ := s.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusNotFound, code, path)
	}
}

func TestIssueVerifierToken(t *testing.T) {
	s := buildTestApp(t)
	verifier, apiKey, err := s.verifiers.Register(context.Background(), "Bank A")
	require.NoError(t, err)

	code, env := s.do(t, http.MethodPost, "/api/verifiers/token", "", VerifierTokenInput{VerifierID: verifier.ID, APIKey: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "invalid_credentials", env.Error)

	req := httptest.NewRequest(http.MethodPost, "/api/verifiers/token", bytes.NewReader(mustJSON(t, VerifierTokenInput{VerifierID: verifier.ID, APIKey: apiKey})))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	s.app.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	var issued struct {
		AccessToken string `json:"accessToken"`
		ExpiresIn   int    `json:"expiresIn"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &issued))
	require.NotEmpty(t, issued.AccessToken)
	assert.Equal(t, int(utils.VerifierTokenTTL.Seconds()), issued.ExpiresIn)

	// The exchanged token is accepted for voting.
	id := s.createSubmission(t)
	code, _ = s.do(t, http.MethodPost, "/api/submissions/"+id+"/votes", issued.AccessToken, CastVoteInput{Decision: "approve"})
	assert.Equal(t, http.StatusCreated, code)
}

func TestListSubmissionsAndStats(t *testing.T) {
	s := buildTestApp(t)
	s.createSubmission(t)
	s.createSubmission(t)

	code, env := s.do(t, http.MethodGet, "/api/submissions?status=pending", "", nil)
	require.Equal(t, http.StatusOK, code)
	var list []json.RawMessage
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 2)

	code, env = s.do(t, http.MethodGet, "/api/submissions?status=approved", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_status", env.Error)

	code, env = s.do(t, http.MethodGet, "/api/stats", "", nil)
	require.Equal(t, http.StatusOK, code)
	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.EqualValues(t, 2, stats["pending_submissions"])
	assert.EqualValues(t, 2, stats["min_votes"])

	code, _ = s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestStreamEventsWithoutBroker(t *testing.T) {
	s := buildTestApp(t)
	id := s.createSubmission(t)

	code, env := s.do(t, http.MethodGet, "/api/submissions/"+id+"/events", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "events_unavailable", env.Error)
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestDeactivatedVerifierIsRefused(t *testing.T) {
	s := buildTestApp(t)
	id := s.createSubmission(t)
	path := "/api/submissions/" + id + "/votes"

	bankID, bankA := s.registerVerifier(t, "Bank A")
	require.NoError(t, s.verifiers.SetActive(context.Background(), bankID, false))

	// The token is still valid and unexpired.
	code, env := s.do(t, http.MethodPost, path, bankA, CastVoteInput{Decision: "approve"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "verifier_inactive", env.Error)

	code, _ = s.do(t, http.MethodPost, "/api/submissions/"+id+"/evaluate", bankA, nil)
	assert.Equal(t, http.StatusForbidden, code)

	require.NoError(t, s.verifiers.SetActive(context.Background(), bankID, true))
	code, _ = s.do(t, http.MethodPost, path, bankA, CastVoteInput{Decision: "approve"})
	assert.Equal(t, http.StatusCreated, code)

	// A well-signed token for an id that was never registered.
	ghost, err := utils.CreateVerifierToken(testSecret, "not-registered")
	require.NoError(t, err)
	code, env = s.do(t, http.MethodPost, path, ghost, CastVoteInput{Decision: "approve"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "invalid_credentials", env.Error)
}
