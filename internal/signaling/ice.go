package signaling

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mishazen13/gptmessenger/internal/config"
	"github.com/mishazen13/gptmessenger/internal/turnrest"
)

// handleICE serves GET /rtc/ice: the STUN/TURN servers a client should hand
// to its RTCPeerConnection. When a TURN REST secret is configured, TURN
// entries carry ephemeral credentials minted for the requesting user, so the
// long-lived secret never reaches a browser.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	servers := s.cfg.ICEServers

	if s.minter != nil {
		identity, err := s.verifier.Verify(bearerToken(r))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		creds, err := s.minter.Mint(identity.UserID)
		if err != nil {
			s.log.Error("turn credential mint failed", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		servers = turnrest.ApplyTo(servers, creds)
	}

	if servers == nil {
		servers = []config.ICEServer{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(map[string]any{"iceServers": servers})
}

// bearerToken pulls the credential from the Authorization header or, for
// clients that cannot set headers, the token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
