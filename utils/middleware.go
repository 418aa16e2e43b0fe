package utils

import (
	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/middleware/jwt"
)

// NewAccessTokenMiddleware verifies HS256 access tokens signed with secret.
func NewAccessTokenMiddleware(secret string) iris.Handler {
	verifier := jwt.NewVerifier(jwt.HS256, []byte(secret))
	verifier.WithDefaultBlocklist()
	return verifier.Verify(func() interface{} {
		return new(AccessToken)
	})
}

// VerifierOnlyMiddleware ensures the requester is a verifier and stores its
// id in the context. The id is never taken from the request body.
func VerifierOnlyMiddleware(ctx iris.Context) {
	claims, ok := jwt.Get(ctx).(*AccessToken)
	if !ok || claims.Role != RoleVerifier || claims.ID == "" {
		JSONError(ctx, iris.StatusForbidden, "forbidden", "verifier access required")
		return
	}
	ctx.Values().Set(verifierContextKey, claims.ID)
	ctx.Next()
}

func VerifierID(ctx iris.Context) string {
	return ctx.Values().GetString(verifierContextKey)
}
