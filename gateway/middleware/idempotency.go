package middleware

import (
	"context"
	"net/http"
	"strings"
)

// HeaderIdempotencyKey carries the caller-supplied replay key for mutating
// ledger operations.
const HeaderIdempotencyKey = "Idempotency-Key"

type idempotencyKeyCtx struct{}

// RequireIdempotencyKey rejects mutating requests that omit the replay key.
// The ledger engine enforces the actual replay semantics; this middleware
// only guarantees the key reaches it.
func RequireIdempotencyKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if key == "" {
			http.Error(w, "missing Idempotency-Key header", http.StatusBadRequest)
			return
		}
		if len(key) > 128 {
			http.Error(w, "Idempotency-Key too long", http.StatusBadRequest)
			return
		}
		ctx := context.WithValue(r.Context(), idempotencyKeyCtx{}, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IdempotencyKeyFromContext returns the replay key attached by
// RequireIdempotencyKey, or an empty string.
func IdempotencyKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyCtx{}).(string)
	return key
}
