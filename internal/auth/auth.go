// Package auth verifies the session tokens presented during the signaling
// connection handshake and maps them to user identities.
//
// Token issuance belongs to the messenger's account service; this package only
// answers "is this token valid, and which user does it map to".
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mishazen13/gptmessenger/internal/config"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMissingCredentials = errors.New("missing credentials")
)

// Identity is the authenticated principal behind one signaling connection.
type Identity struct {
	UserID      string
	DisplayName string
}

type Verifier interface {
	Verify(token string) (Identity, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	case config.AuthModeNone:
		return InsecureVerifier{}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// InsecureVerifier accepts "userID" or "userID:displayName" tokens verbatim.
// Used by AUTH_MODE=none and by tests; never in production.
type InsecureVerifier struct{}

func (InsecureVerifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingCredentials
	}
	userID, name, ok := strings.Cut(token, ":")
	if !ok {
		name = userID
	}
	if userID == "" {
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{UserID: userID, DisplayName: name}, nil
}
