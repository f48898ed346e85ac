// Package identity resolves the authenticated caller of a request.
//
// Authentication itself happens upstream; this package only reads the
// identity an authenticating proxy attached to the request.
package identity

import (
	"context"
	"net/http"
	"strings"
)

// Caller is the authenticated end user talking to a persona.
type Caller struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
}

// Valid reports whether both the id and the first name are present.
func (c Caller) Valid() bool {
	return strings.TrimSpace(c.ID) != "" && strings.TrimSpace(c.FirstName) != ""
}

// Provider extracts a Caller from an inbound request.
type Provider interface {
	Identify(r *http.Request) (Caller, bool)
}

// HeaderProvider trusts identity headers set by an authenticating proxy.
type HeaderProvider struct {
	UserHeader string
	NameHeader string
}

func NewHeaderProvider(userHeader, nameHeader string) *HeaderProvider {
	if strings.TrimSpace(userHeader) == "" {
		userHeader = "X-User-Id"
	}
	if strings.TrimSpace(nameHeader) == "" {
		nameHeader = "X-User-First-Name"
	}
	return &HeaderProvider{UserHeader: userHeader, NameHeader: nameHeader}
}

func (p *HeaderProvider) Identify(r *http.Request) (Caller, bool) {
	c := Caller{
		ID:        strings.TrimSpace(r.Header.Get(p.UserHeader)),
		FirstName: strings.TrimSpace(r.Header.Get(p.NameHeader)),
	}
	return c, c.Valid()
}

type ctxKey struct{}

// WithCaller returns a context carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the caller stored by Middleware, if any.
func FromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(ctxKey{}).(Caller)
	if !ok || !c.Valid() {
		return Caller{}, false
	}
	return c, true
}

// Middleware stores the identified caller in the request context. Requests
// without a valid identity pass through unchanged; handlers decide whether
// identity is required.
func Middleware(p Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if c, ok := p.Identify(r); ok {
				r = r.WithContext(WithCaller(r.Context(), c))
			}
			next.ServeHTTP(w, r)
		})
	}
}
