// Package reliability classifies failures and paces retries.
package reliability

import (
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// IsRetryableHTTPStatus reports whether an upstream completion endpoint
// answering with code is worth another attempt.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsRetryableErrorCode reports whether a client may resend a turn that
// failed with the given error code.
func IsRetryableErrorCode(code string) bool {
	switch code {
	case "rate_limited", "backend_unavailable", "not_ready":
		return true
	default:
		return false
	}
}

// Backoff paces retries of a completion request. Delays double from Base
// up to Cap; Jitter in [0,1] spreads each delay downward by up to that
// fraction so concurrent turns do not retry in lockstep.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64

	// Rand returns a value in [0,1). Nil uses math/rand/v2.
	Rand func() float64
}

// Delay returns the wait before retry number attempt (zero-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.ceiling(attempt)
	j := b.Jitter
	if j <= 0 || d <= 0 {
		return d
	}
	if j > 1 {
		j = 1
	}
	rnd := b.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	return d - time.Duration(float64(d)*j*rnd())
}

// After is Delay, except that a server-supplied Retry-After wins when it
// is present and no longer than Cap.
func (b Backoff) After(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 && (b.Cap <= 0 || retryAfter <= b.Cap) {
		return retryAfter
	}
	return b.Delay(attempt)
}

func (b Backoff) ceiling(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		if b.Cap > 0 && d >= b.Cap/2 {
			return b.Cap
		}
		d *= 2
	}
	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}

// ParseRetryAfter reads a Retry-After header in either delta-seconds or
// HTTP-date form. It returns zero when the header is absent or unusable.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	at, err := http.ParseTime(v)
	if err != nil {
		return 0
	}
	if d := at.Sub(now); d > 0 {
		return d
	}
	return 0
}
