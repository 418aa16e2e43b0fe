package routes

import (
	"context"
	"errors"

	"trustbond-server/services"
	"trustbond-server/storage"
	"trustbond-server/utils"

	"github.com/go-playground/validator/v10"
	"github.com/kataras/iris/v12"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type EventSubscriber interface {
	Subscribe(ctx context.Context, submissionID string) (*services.Subscription, error)
}

// Handlers carries every dependency the HTTP layer needs.
type Handlers struct {
	Engine      *services.ConsensusEngine
	Submissions *storage.SubmissionRepository
	Votes       *storage.VoteRepository
	Verifiers   *services.VerifierService
	Audit       *storage.AuditRepository
	Events      EventSubscriber
	Gatherer    prometheus.Gatherer
	TokenSecret string
	Log         *zap.Logger
}

func NewApp(h *Handlers) *iris.Application {
	if h.Log == nil {
		h.Log = zap.NewNop()
	}

	app := iris.New()
	app.Validator = validator.New()

	// CORS configuration
	app.AllowMethods(iris.MethodOptions)
	app.UseRouter(func(ctx iris.Context) {
		ctx.Header("Access-Control-Allow-Origin", ctx.GetHeader("Origin"))
		ctx.Header("Vary", "Origin")
		ctx.Header("Access-Control-Allow-Credentials", "true")
		ctx.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Requested-With")
		ctx.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if ctx.Method() == iris.MethodOptions {
			ctx.StatusCode(iris.StatusNoContent)
			return
		}
		ctx.Next()
	})

	// Minimal middleware - compression only
	app.Use(iris.Compression)

	app.Get("/health", func(ctx iris.Context) {
		ctx.JSON(iris.Map{"status": "ok"})
	})
	if h.Gatherer != nil {
		app.Get("/metrics", iris.FromStd(promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{})))
	}

	accessTokenVerifierMiddleware := utils.NewAccessTokenMiddleware(h.TokenSecret)

	verifiers := app.Party("/api/verifiers")
	{
		verifiers.Post("/token", h.IssueVerifierToken)
	}

	submissions := app.Party("/api/submissions")
	{
		submissions.Post("/", h.CreateSubmission)
		submissions.Get("/", h.ListSubmissions)
		submissions.Get("/{id:string}", h.GetSubmission)
		submissions.Get("/{id:string}/tally", h.GetTally)
		submissions.Get("/{id:string}/votes", h.ListVotes)
		submissions.Get("/{id:string}/events", h.StreamEvents)
		submissions.Post("/{id:string}/votes", accessTokenVerifierMiddleware, utils.VerifierOnlyMiddleware, h.ActiveVerifierMiddleware, h.CastVote)
		submissions.Post("/{id:string}/evaluate", accessTokenVerifierMiddleware, utils.VerifierOnlyMiddleware, h.ActiveVerifierMiddleware, h.EvaluateConsensus)
	}

	app.Get("/api/stats", h.Stats)

	return app
}

// readInput decodes and validates the JSON body, answering 400 itself.
func readInput(ctx iris.Context, input interface{}) bool {
	if err := ctx.ReadJSON(input); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			utils.JSONError(ctx, iris.StatusBadRequest, "invalid_input", verrs.Error())
			return false
		}
		utils.JSONError(ctx, iris.StatusBadRequest, "invalid_input", err.Error())
		return false
	}
	return true
}

// writeEngineError maps engine errors to the JSON error envelope. state, when
// non-nil, is returned so the client can refresh without another request.
func writeEngineError(ctx iris.Context, err error, state interface{}) {
	switch {
	case errors.Is(err, services.ErrAlreadyVoted):
		utils.JSONErrorWithState(ctx, iris.StatusConflict, "already_voted", err.Error(), state)
	case errors.Is(err, services.ErrSubmissionNotPending):
		utils.JSONErrorWithState(ctx, iris.StatusConflict, "submission_not_pending", err.Error(), state)
	case errors.Is(err, services.ErrUnknownSubmission):
		utils.JSONError(ctx, iris.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, services.ErrInvalidDecision), errors.Is(err, services.ErrMissingVerifier):
		utils.JSONError(ctx, iris.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, services.ErrStoreUnavailable):
		utils.JSONError(ctx, iris.StatusServiceUnavailable, "store_unavailable", err.Error())
	default:
		utils.JSONError(ctx, iris.StatusInternalServerError, "server_error", err.Error())
	}
}
