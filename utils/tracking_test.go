package utils

import (
	"strings"
	"testing"
)

func TestTrackingTokenRoundTrip(t *testing.T) {
	token := TrackingToken("msg-123", "secret")
	if !ValidTrackingToken("msg-123", token, "secret") {
		t.Error("valid token rejected")
	}
	if ValidTrackingToken("msg-456", token, "secret") {
		t.Error("token accepted for a different message")
	}
	if ValidTrackingToken("msg-123", token, "other-secret") {
		t.Error("token accepted under a different secret")
	}
	if ValidTrackingToken("msg-123", "forged", "secret") {
		t.Error("forged token accepted")
	}
}

func TestInjectTracking(t *testing.T) {
	html := `<p>Hi</p><a href="https://example.com/pricing">Pricing</a>`
	out := InjectTracking(html, "https://app.test", "msg-1", "secret")

	if !strings.Contains(out, "https://app.test/track/open/msg-1/") {
		t.Error("tracking pixel not injected")
	}
	if !strings.Contains(out, "https://app.test/track/click/msg-1/") {
		t.Error("link not rewritten through click tracking")
	}
	if !strings.Contains(out, "url=https%3A%2F%2Fexample.com%2Fpricing") {
		t.Error("original URL not carried in the tracked link")
	}
	if strings.Contains(out, `href="https://example.com/pricing"`) {
		t.Error("original link left untracked")
	}
}

func TestInjectTrackingRewritesAllLinks(t *testing.T) {
	html := `<a href="https://a.test/1">one</a><a href="https://a.test/2">two</a>`
	out := InjectTracking(html, "https://app.test", "msg-1", "secret")

	if got := strings.Count(out, "/track/click/msg-1/"); got != 2 {
		t.Errorf("rewrote %d links, want 2", got)
	}
}

func TestExtractMessageID(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"<abc-123@mail.example.com>", "abc-123"},
		{"abc-123@mail.example.com", "abc-123"},
		{" <abc-123@mail.example.com> ", "abc-123"},
		{"no-at-sign", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExtractMessageID(tt.header); got != tt.want {
			t.Errorf("ExtractMessageID(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
