package origin

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"https://chat.example.com", "https://chat.example.com", true},
		{"  https://chat.example.com  ", "https://chat.example.com", true},
		{"HTTPS://Chat.Example.COM", "https://chat.example.com", true},
		{"https://chat.example.com:443", "https://chat.example.com", true},
		{"http://localhost:80", "http://localhost", true},
		{"http://localhost:5173", "http://localhost:5173", true},
		{"https://[::1]:8443", "https://[::1]:8443", true},
		{"null", "null", true},
		{"", "", false},
		{"ftp://example.com", "", false},
		{"https://user@example.com", "", false},
		{"https://example.com/path", "", false},
		{"https://example.com?x=1", "", false},
		{"https://example.com:0", "", false},
		{"not a url", "", false},
	}
	for _, tc := range cases {
		got, ok := Normalize(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("Normalize(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestAllowed(t *testing.T) {
	if !Allowed("https://anything.example", nil) {
		t.Error("empty allowlist should permit all origins")
	}
	list := []string{"https://chat.example.com", "http://localhost:5173"}
	if !Allowed("http://localhost:5173", list) {
		t.Error("listed origin should be allowed")
	}
	if Allowed("https://evil.example", list) {
		t.Error("unlisted origin should be rejected")
	}
	if !Allowed("https://evil.example", []string{"*"}) {
		t.Error("wildcard entry should permit all origins")
	}
}
