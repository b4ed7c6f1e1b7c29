// Package requestid mints and carries the per-connection correlation id.
package requestid

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Header is the header the id travels in, both upstream and back to the caller.
const Header = "X-Request-Id"

type ctxKey struct{}

// Mint returns a fresh random id. uuid.New reads from crypto/rand, so ids do
// not repeat across concurrent workers or restarts.
func Mint() string {
	return uuid.NewString()
}

// Attach sets id on h, replacing any previous value.
func Attach(id string, h http.Header) {
	h.Set(Header, id)
}

// NewContext returns a copy of ctx carrying id.
func NewContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the id stored in ctx, or "unknown".
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return "unknown"
}
