// Package auth validates API keys for the management API and the websocket
// gateway.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Authenticator validates an API key and returns the caller's principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// Principal holds the authenticated caller's identity.
type Principal struct {
	UserID string
}

// ErrUnauthenticated is returned when no valid credentials are found.
var ErrUnauthenticated = errors.New("unauthenticated")

// keyPrefix is the required prefix of every issued API key.
const keyPrefix = "ask_"

// TokenFromRequest extracts an ask_ API key from the Authorization header,
// falling back to the token query parameter for websocket clients that
// cannot set headers.
func TokenFromRequest(r *http.Request) (string, error) {
	token := ""
	if h := r.Header.Get("Authorization"); h != "" {
		token = strings.TrimPrefix(h, "Bearer ")
		token = strings.TrimPrefix(token, "bearer ")
	} else {
		token = r.URL.Query().Get("token")
	}
	if !strings.HasPrefix(token, keyPrefix) {
		return "", ErrUnauthenticated
	}
	return token, nil
}
