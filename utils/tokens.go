package utils

import (
	"crypto/rand"
	"time"

	"github.com/kataras/iris/v12/middleware/jwt"
)

const (
	RoleVerifier       = "verifier"
	VerifierTokenTTL   = 24 * time.Hour
	verifierContextKey = "verifierID"
)

type AccessToken struct {
	ID   string `json:"ID"`
	Role string `json:"role"`
}

func CreateVerifierToken(secret, verifierID string) (string, error) {
	signer := jwt.NewSigner(jwt.HS256, []byte(secret), VerifierTokenTTL)

	token, err := signer.Sign(AccessToken{ID: verifierID, Role: RoleVerifier})
	if err != nil {
		return "", err
	}
	return string(token), nil
}

// GenerateShortToken returns a URL-safe random string of the given length (bytes*2 hex).
func GenerateShortToken(n int) string {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		return ""
	}
	// hex encoding doubles length; that's fine for uniqueness and safety
	const hex = "0123456789abcdef"
	out := make([]byte, n*2)
	for i, v := range b {
		out[i*2] = hex[v>>4]
		out[i*2+1] = hex[v&0x0f]
	}
	return string(out)
}
