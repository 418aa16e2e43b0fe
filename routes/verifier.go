package routes

import (
	"errors"

	"trustbond-server/services"
	"trustbond-server/utils"

	"github.com/kataras/iris/v12"
	"go.uber.org/zap"
)

type VerifierTokenInput struct {
	VerifierID string `json:"verifierId" validate:"required"`
	APIKey     string `json:"apiKey" validate:"required"`
}

// POST /api/verifiers/token
func (h *Handlers) IssueVerifierToken(ctx iris.Context) {
	var input VerifierTokenInput
	if !readInput(ctx, &input) {
		return
	}

	verifier, err := h.Verifiers.Authenticate(ctx.Request().Context(), input.VerifierID, input.APIKey)
	switch {
	case errors.Is(err, services.ErrInvalidCredentials):
		utils.JSONError(ctx, iris.StatusUnauthorized, "invalid_credentials", err.Error())
		return
	case errors.Is(err, services.ErrVerifierInactive):
		utils.JSONError(ctx, iris.StatusForbidden, "verifier_inactive", err.Error())
		return
	case err != nil:
		writeEngineError(ctx, err, nil)
		return
	}

	token, err := utils.CreateVerifierToken(h.TokenSecret, verifier.ID)
	if err != nil {
		h.Log.Error("failed to sign verifier token", zap.Error(err))
		utils.JSONError(ctx, iris.StatusInternalServerError, "server_error", "could not issue token")
		return
	}

	ctx.JSON(iris.Map{
		"accessToken": token,
		"verifier":    verifier,
		"expiresIn":   int(utils.VerifierTokenTTL.Seconds()),
	})
}

// ActiveVerifierMiddleware re-checks the registry on every request, so a
// verifier deactivated after its token was issued is refused at once.
func (h *Handlers) ActiveVerifierMiddleware(ctx iris.Context) {
	_, err := h.Verifiers.CheckActive(ctx.Request().Context(), utils.VerifierID(ctx))
	switch {
	case errors.Is(err, services.ErrInvalidCredentials):
		utils.JSONError(ctx, iris.StatusUnauthorized, "invalid_credentials", "unknown verifier")
	case errors.Is(err, services.ErrVerifierInactive):
		utils.JSONError(ctx, iris.StatusForbidden, "verifier_inactive", err.Error())
	case err != nil:
		writeEngineError(ctx, err, nil)
	default:
		ctx.Next()
	}
}
