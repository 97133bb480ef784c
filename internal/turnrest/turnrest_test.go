package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/mishazen13/gptmessenger/internal/config"
)

func fixedNow() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func TestMintProducesCoturnCompatibleCredentials(t *testing.T) {
	m, err := NewMinter(MinterConfig{
		SharedSecret: "s3cret",
		TTL:          10 * time.Minute,
		Prefix:       "gptm",
		Now:          fixedNow,
	})
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}

	creds, err := m.Mint("alice")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	wantExpiry := fixedNow().Unix() + 600
	if creds.ExpiryUnix != wantExpiry {
		t.Fatalf("expiry = %d, want %d", creds.ExpiryUnix, wantExpiry)
	}
	wantUsername := "1748779800:gptm:alice"
	if creds.Username != wantUsername {
		t.Fatalf("username = %q, want %q", creds.Username, wantUsername)
	}

	mac := hmac.New(sha1.New, []byte("s3cret"))
	mac.Write([]byte(creds.Username))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if creds.Credential != want {
		t.Fatalf("credential = %q, want %q", creds.Credential, want)
	}
}

func TestMintSanitizesColonsInUserID(t *testing.T) {
	m, err := NewMinter(MinterConfig{SharedSecret: "x", TTL: time.Minute, Now: fixedNow})
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}
	creds, err := m.Mint("a:b:c")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if got := strings.Count(creds.Username, ":"); got != 2 {
		t.Fatalf("username %q has %d colons, want exactly 2", creds.Username, got)
	}
}

func TestNewMinterValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  MinterConfig
	}{
		{"missing secret", MinterConfig{TTL: time.Minute}},
		{"zero ttl", MinterConfig{SharedSecret: "x"}},
		{"colon in prefix", MinterConfig{SharedSecret: "x", TTL: time.Minute, Prefix: "a:b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewMinter(tc.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestApplyToStampsOnlyTURNEntries(t *testing.T) {
	servers := []config.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"TURN:turn.example.com:3478?transport=udp"}},
		{URLs: []string{"turns:turn.example.com:5349"}, Username: "stale", Credential: "stale"},
	}
	creds := Credentials{Username: "u", Credential: "c"}

	out := ApplyTo(servers, creds)

	if out[0].Username != "" || out[0].Credential != "" {
		t.Fatal("STUN entry must pass through without credentials")
	}
	for _, i := range []int{1, 2} {
		if out[i].Username != "u" || out[i].Credential != "c" {
			t.Fatalf("entry %d = %+v, want minted credentials", i, out[i])
		}
	}
	// Input is untouched.
	if servers[1].Username != "" {
		t.Fatal("ApplyTo must not mutate its input")
	}
}
