package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"trustbond-server/models"
	"trustbond-server/services"
	"trustbond-server/storage"
	"trustbond-server/utils"

	"github.com/google/uuid"
	"github.com/kataras/iris/v12"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

var listableStatuses = []models.SubmissionStatus{models.StatusPending, models.StatusVerified, models.StatusRejected}

type CreateSubmissionInput struct {
	UserRef      string `json:"userRef" validate:"required,max=64"`
	DocumentType string `json:"documentType" validate:"required,max=50"`
	DocumentRef  string `json:"documentRef" validate:"required,max=512"`
}

// POST /api/submissions
func (h *Handlers) CreateSubmission(ctx iris.Context) {
	var input CreateSubmissionInput
	if !readInput(ctx, &input) {
		return
	}

	submission := models.Submission{
		ID:           uuid.NewString(),
		UserRef:      strings.TrimSpace(input.UserRef),
		DocumentType: strings.TrimSpace(input.DocumentType),
		DocumentRef:  strings.TrimSpace(input.DocumentRef),
		Status:       models.StatusPending,
	}
	if err := h.Submissions.Create(ctx.Request().Context(), &submission); err != nil {
		h.Log.Error("failed to create submission", zap.Error(err))
		utils.JSONError(ctx, iris.StatusServiceUnavailable, "store_unavailable", "failed to save submission")
		return
	}

	utils.Audit(ctx, h.Audit, h.Log, "submission.created", "submission", submission.ID, nil, submission)
	utils.JSONData(ctx, iris.StatusCreated, submission)
}

// GET /api/submissions?status=&page=&per_page=
func (h *Handlers) ListSubmissions(ctx iris.Context) {
	page := ctx.URLParamIntDefault("page", 1)
	if page < 1 {
		page = 1
	}
	perPage := ctx.URLParamIntDefault("per_page", 25)
	if perPage <= 0 || perPage > 100 {
		perPage = 25
	}

	status := models.SubmissionStatus(strings.TrimSpace(ctx.URLParamDefault("status", "")))
	if status != "" && !slices.Contains(listableStatuses, status) {
		utils.JSONError(ctx, iris.StatusBadRequest, "invalid_status", fmt.Sprintf("unknown status %q", status))
		return
	}

	submissions, total, err := h.Submissions.List(ctx.Request().Context(), status, page, perPage)
	if err != nil {
		utils.JSONError(ctx, iris.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	utils.JSONPage(ctx, submissions, page, perPage, total)
}

// GET /api/submissions/{id}
func (h *Handlers) GetSubmission(ctx iris.Context) {
	submission, ok := h.loadSubmission(ctx)
	if !ok {
		return
	}

	utils.JSONData(ctx, iris.StatusOK, iris.Map{
		"submission":   submission,
		"digest_valid": submission.Status.IsTerminal() && services.VerifyDigest(submission),
	})
}

// GET /api/submissions/{id}/tally
func (h *Handlers) GetTally(ctx iris.Context) {
	tally, err := h.Engine.GetTally(ctx.Request().Context(), ctx.Params().Get("id"))
	if err != nil {
		writeEngineError(ctx, err, nil)
		return
	}
	utils.JSONData(ctx, iris.StatusOK, tally)
}

// POST /api/submissions/{id}/evaluate
func (h *Handlers) EvaluateConsensus(ctx iris.Context) {
	outcome, err := h.Engine.EvaluateConsensus(ctx.Request().Context(), ctx.Params().Get("id"))
	if err != nil {
		writeEngineError(ctx, err, nil)
		return
	}
	utils.JSONData(ctx, iris.StatusOK, outcome)
}

// GET /api/submissions/{id}/events, as server-sent events.
func (h *Handlers) StreamEvents(ctx iris.Context) {
	if h.Events == nil {
		utils.JSONError(ctx, iris.StatusServiceUnavailable, "events_unavailable", "event stream is not configured")
		return
	}
	submission, ok := h.loadSubmission(ctx)
	if !ok {
		return
	}

	flusher, ok := ctx.ResponseWriter().Flusher()
	if !ok {
		utils.JSONError(ctx, iris.StatusHTTPVersionNotSupported, "streaming_unsupported", "streaming unsupported")
		return
	}

	reqCtx := ctx.Request().Context()
	sub, err := h.Events.Subscribe(reqCtx, submission.ID)
	if err != nil {
		h.Log.Error("failed to subscribe to events", zap.String("submission", submission.ID), zap.Error(err))
		utils.JSONError(ctx, iris.StatusServiceUnavailable, "events_unavailable", "could not subscribe to events")
		return
	}
	defer sub.Close()

	ctx.ContentType("text/event-stream")
	ctx.Header("Cache-Control", "no-cache")
	ctx.Header("Connection", "keep-alive")

	// Initial snapshot so a client never waits for the first change.
	if tally, err := h.Engine.GetTally(reqCtx, submission.ID); err == nil {
		writeSSE(ctx, "snapshot", tally)
		flusher.Flush()
	}

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-reqCtx.Done():
			return
		case <-keepAlive.C:
			ctx.Writef(": ping\n\n")
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			writeSSE(ctx, string(ev.Type), ev)
			flusher.Flush()
		}
	}
}

func (h *Handlers) loadSubmission(ctx iris.Context) (*models.Submission, bool) {
	submission, err := h.Submissions.Get(ctx.Request().Context(), ctx.Params().Get("id"))
	if errors.Is(err, storage.ErrNotFound) {
		utils.JSONError(ctx, iris.StatusNotFound, "not_found", "submission not found")
		return nil, false
	}
	if err != nil {
		utils.JSONError(ctx, iris.StatusServiceUnavailable, "store_unavailable", err.Error())
		return nil, false
	}
	return submission, true
}

func writeSSE(ctx iris.Context, event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	ctx.Writef("event: %s\ndata: %s\n\n", event, payload)
}
