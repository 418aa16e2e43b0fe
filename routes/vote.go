package routes

import (
	"trustbond-server/models"
	"trustbond-server/utils"

	"github.com/kataras/iris/v12"
)

type CastVoteInput struct {
	Decision string `json:"decision" validate:"required,oneof=approve reject"`
	Note     string `json:"note" validate:"max=1000"`
}

// POST /api/submissions/{id}/votes
func (h *Handlers) CastVote(ctx iris.Context) {
	var input CastVoteInput
	if !readInput(ctx, &input) {
		return
	}

	submissionID := ctx.Params().Get("id")
	verifierID := utils.VerifierID(ctx)

	result, err := h.Engine.CastVote(ctx.Request().Context(), submissionID, verifierID, models.VoteDecision(input.Decision), input.Note)
	if err != nil {
		writeEngineError(ctx, err, result)
		return
	}

	utils.Audit(ctx, h.Audit, h.Log, "vote.cast", "submission", submissionID, nil, iris.Map{
		"decision": input.Decision,
		"result":   result,
	})

	utils.JSONData(ctx, iris.StatusCreated, result)
}

// GET /api/submissions/{id}/votes
func (h *Handlers) ListVotes(ctx iris.Context) {
	submission, ok := h.loadSubmission(ctx)
	if !ok {
		return
	}

	votes, err := h.Votes.ListBySubmission(ctx.Request().Context(), submission.ID)
	if err != nil {
		utils.JSONError(ctx, iris.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	utils.JSONData(ctx, iris.StatusOK, votes)
}
