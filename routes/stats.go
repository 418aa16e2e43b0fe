package routes

import (
	"trustbond-server/models"
	"trustbond-server/utils"

	"github.com/kataras/iris/v12"
)

// GET /api/stats
func (h *Handlers) Stats(ctx iris.Context) {
	reqCtx := ctx.Request().Context()

	counts, err := h.Submissions.CountByStatus(reqCtx)
	if err != nil {
		utils.JSONError(ctx, iris.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	votes, err := h.Votes.Count(reqCtx)
	if err != nil {
		utils.JSONError(ctx, iris.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}

	rule := h.Engine.Rule()
	ctx.JSON(iris.Map{
		"data": iris.Map{
			"pending_submissions":  counts[models.StatusPending],
			"verified_submissions": counts[models.StatusVerified],
			"rejected_submissions": counts[models.StatusRejected],
			"votes":                votes,
			"min_votes":            rule.MinVotes,
			"threshold":            rule.Threshold,
		},
		"meta":  iris.Map{},
		"links": iris.Map{},
	})
}
