// Package turnrest mints coturn-compatible TURN REST (ephemeral)
// credentials, so TURN servers can be advertised to clients without ever
// shipping a long-lived secret to a browser.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm:
//
//	username   = <unix_expiry_timestamp>:<prefix>:<user_id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mishazen13/gptmessenger/internal/config"
)

type Minter struct {
	sharedSecret []byte
	ttl          time.Duration
	prefix       string
	now          func() time.Time
}

type MinterConfig struct {
	SharedSecret string
	TTL          time.Duration
	Prefix       string

	// Now overrides the clock in tests.
	Now func() time.Time
}

func NewMinter(cfg MinterConfig) (*Minter, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("TTL must be positive")
	}
	if strings.Contains(cfg.Prefix, ":") {
		return nil, errors.New("prefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Minter{
		sharedSecret: []byte(cfg.SharedSecret),
		ttl:          cfg.TTL,
		prefix:       cfg.Prefix,
		now:          cfg.Now,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// Mint produces ephemeral credentials bound to userID. Colons in the user ID
// would break coturn's username parsing and are replaced.
func (m *Minter) Mint(userID string) (Credentials, error) {
	if userID == "" {
		return Credentials{}, errors.New("userID is required")
	}
	safeID := strings.ReplaceAll(userID, ":", "-")
	expiry := m.now().UTC().Unix() + int64(m.ttl/time.Second)
	username := fmt.Sprintf("%d:%s:%s", expiry, m.prefix, safeID)

	mac := hmac.New(sha1.New, m.sharedSecret)
	_, _ = mac.Write([]byte(username))
	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiryUnix: expiry,
	}, nil
}

// ApplyTo returns a copy of servers with creds stamped onto every entry that
// advertises a turn: or turns: URL. STUN entries pass through untouched.
func ApplyTo(servers []config.ICEServer, creds Credentials) []config.ICEServer {
	out := make([]config.ICEServer, len(servers))
	for i, s := range servers {
		out[i] = s
		if hasTURNURL(s) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}
	return out
}

func hasTURNURL(s config.ICEServer) bool {
	for _, raw := range s.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}
