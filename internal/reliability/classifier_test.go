package reliability

import (
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		reason string
		want   DisconnectClass
	}{
		{"logged_out", ClassTerminal},
		{"LOGOUT", ClassTerminal},
		{"session_revoked", ClassTerminal},
		{"banned", ClassTerminal},
		{"network_error", ClassRecoverable},
		{"server_restart", ClassRecoverable},
		{"rate_limited", ClassRecoverable},
		{"ping_timeout", ClassRecoverable},
		{"", ClassRecoverable},
		{"something_new", ClassRecoverable},
	}
	for _, tc := range cases {
		got := Classify(tc.reason)
		if got != tc.want {
			t.Fatalf("Classify(%q) = %v, want %v", tc.reason, got, tc.want)
		}
	}
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestBackoffWithJitterBounds(t *testing.T) {
	base := time.Second
	capDur := 60 * time.Second
	for attempt := 0; attempt < 12; attempt++ {
		d := BackoffWithJitter(attempt, base, capDur)
		if d < base {
			t.Fatalf("attempt %d = %v, below base %v", attempt, d, base)
		}
		if d > capDur {
			t.Fatalf("attempt %d = %v, above cap %v", attempt, d, capDur)
		}
	}
}
