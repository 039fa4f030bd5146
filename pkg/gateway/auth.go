package gateway

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// AuthHandler checks the shared token presented on the websocket upgrade.
// An empty token accepts every connection.
type AuthHandler struct {
	token string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(token string) *AuthHandler {
	return &AuthHandler{token: token}
}

// Enabled reports whether connections must present a token.
func (a *AuthHandler) Enabled() bool {
	return a.token != ""
}

// GenerateToken returns a random 32-byte token as hex.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Verify compares a presented token against the configured one.
func (a *AuthHandler) Verify(presented string) bool {
	if !a.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(a.token), []byte(presented)) == 1
}

// Authorize reads the token from a bearer Authorization header or the
// token query parameter.
func (a *AuthHandler) Authorize(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	return a.Verify(presentedToken(r))
}

func presentedToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
