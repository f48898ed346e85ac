// Package ratelimit decides whether a caller may issue another chat turn.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnavailable wraps any failure of the counter backend. The gate
	// fails closed: an unavailable backend never admits a request.
	ErrUnavailable = errors.New("rate limiter unavailable")
)

// Limiter counts one event for identifier and reports whether it fits the window.
type Limiter interface {
	Allow(ctx context.Context, identifier string) (bool, error)
}

// Decision is the outcome of an admission check.
type Decision struct {
	Identifier string
	Allowed    bool
}

// Gate bounds every backend call by a timeout and never bypasses a failure.
type Gate struct {
	limiter Limiter
	timeout time.Duration
}

func NewGate(limiter Limiter, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Gate{limiter: limiter, timeout: timeout}
}

// Identifier joins the logical route and the caller id so throttling is
// per caller per route.
func Identifier(route, callerID string) string {
	return strings.TrimSpace(route) + "-" + strings.TrimSpace(callerID)
}

func (g *Gate) Admit(ctx context.Context, identifier string) (Decision, error) {
	d := Decision{Identifier: identifier}
	if g == nil || g.limiter == nil {
		return d, fmt.Errorf("%w: no limiter configured", ErrUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	allowed, err := g.limiter.Allow(ctx, identifier)
	if err != nil {
		return d, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	d.Allowed = allowed
	return d, nil
}
