package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "GPTM_ICE_SERVERS_JSON"

	envStunURLs       = "GPTM_STUN_URLS"
	envTurnURLs       = "GPTM_TURN_URLS"
	envTurnUsername   = "GPTM_TURN_USERNAME"
	envTurnCredential = "GPTM_TURN_CREDENTIAL"
)

// DefaultSTUNURLs matches what shipped clients used before /rtc/ice existed,
// so a relay with no ICE configuration still hands out a workable set.
var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
}

// ICEServer is the wire-friendly shape served to clients by /rtc/ice.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

func (s ICEServer) ToPion() webrtc.ICEServer {
	out := webrtc.ICEServer{
		URLs:     s.URLs,
		Username: s.Username,
	}
	if s.Credential != "" {
		out.Credential = s.Credential
	}
	return out
}

// ToPionServers converts a served ICE list into a pion configuration list.
func ToPionServers(servers []ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.ToPion())
	}
	return out
}

func parseICEServersFromEnv(lookup func(string) (string, bool)) ([]ICEServer, error) {
	if raw := strings.TrimSpace(envOrDefault(lookup, envICEServersJSON, "")); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	stunURLs := splitAndTrim(envOrDefault(lookup, envStunURLs, ""))
	turnURLs := splitAndTrim(envOrDefault(lookup, envTurnURLs, ""))
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	if len(stunURLs) == 0 {
		stunURLs = DefaultSTUNURLs
	}

	servers := []ICEServer{{URLs: stunURLs}}
	if len(turnURLs) > 0 {
		if turnUsername == "" || turnCredential == "" {
			return nil, fmt.Errorf("%s requires %s and %s", envTurnURLs, envTurnUsername, envTurnCredential)
		}
		servers = append(servers, ICEServer{
			URLs:       turnURLs,
			Username:   turnUsername,
			Credential: turnCredential,
		})
	}
	return servers, nil
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses and validates GPTM_ICE_SERVERS_JSON.
func ParseICEServersJSON(raw string) ([]ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]ICEServer, 0, len(servers))
	for i, server := range servers {
		urls := make([]string, 0, len(server.URLs))
		for _, url := range server.URLs {
			url = strings.TrimSpace(url)
			if url == "" {
				continue
			}
			if !strings.HasPrefix(url, "stun:") && !strings.HasPrefix(url, "turn:") && !strings.HasPrefix(url, "turns:") {
				return nil, fmt.Errorf("ice server %d: unsupported url scheme in %q", i, url)
			}
			urls = append(urls, url)
		}
		if len(urls) == 0 {
			return nil, fmt.Errorf("ice server %d: missing urls", i)
		}

		out = append(out, ICEServer{
			URLs:       urls,
			Username:   strings.TrimSpace(server.Username),
			Credential: strings.TrimSpace(server.Credential),
		})
	}
	return out, nil
}
