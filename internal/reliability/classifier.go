package reliability

import (
	"math/rand"
	"strings"
	"time"
)

// DisconnectClass buckets transport disconnect reasons for reconnect decisions.
type DisconnectClass int

const (
	// ClassRecoverable means reconnect with the stored credential.
	ClassRecoverable DisconnectClass = iota
	// ClassTerminal means the session was revoked remotely; stored credentials
	// must be purged before reconnecting so a fresh pairing challenge runs.
	ClassTerminal
)

// Terminal reason codes emitted when the user ends the session from another
// device. Everything else (network blip, server restart, rate limit, ping
// timeout, unknown) is recoverable.
var terminalReasons = map[string]struct{}{
	"logged_out":      {},
	"logout":          {},
	"session_revoked": {},
	"banned":          {},
}

// Classify maps a transport disconnect reason to a reconnect decision.
func Classify(reason string) DisconnectClass {
	key := strings.ToLower(strings.TrimSpace(reason))
	if _, ok := terminalReasons[key]; ok {
		return ClassTerminal
	}
	return ClassRecoverable
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// BackoffWithJitter adds up to 50% random jitter on top of the capped
// exponential delay so concurrent reconnects spread out.
func BackoffWithJitter(attempt int, base, cap time.Duration) time.Duration {
	d := ExponentialBackoff(attempt, base, cap)
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	if d+jitter > cap {
		return cap
	}
	return d + jitter
}
