package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	rate "golang.org/x/time/rate"

	"imageforge/internal/httpx"
)

type ctxKey int

const (
	requestIDCtxKey ctxKey = iota
	ownerCtxKey
)

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDCtxKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDCtxKey).(string); ok {
		return id
	}
	return ""
}

// ownerMiddleware extracts the caller's opaque owner token from the
// Authorization header (spec §6.1: "Authorization: Bearer <token> for
// authenticated surfaces; authentication layer is a collaborator, not
// part of the core"). A missing or malformed header leaves owner empty,
// the default-open-read shape spec §4.9 describes.
func ownerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := ""
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			owner = strings.TrimPrefix(h, "Bearer ")
		}
		ctx := context.WithValue(r.Context(), ownerCtxKey, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ownerOf(r *http.Request) string {
	if owner, ok := r.Context().Value(ownerCtxKey).(string); ok {
		return owner
	}
	return ""
}

// maxBodyMiddleware caps request bodies at limit bytes via
// http.MaxBytesReader, the same guard the teacher applies implicitly via
// its small JSON payloads but made explicit here since SubmissionParams'
// prompt field allows up to 5000 characters of attacker-controlled input.
// Reading past the limit fails; the submit handler then answers 400
// "invalid json". No 413 status is sent.
func maxBodyMiddleware(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitMiddleware generalizes the teacher's single global writeLimiter
// (rate.NewLimiter guarding secret writes) to the submission endpoint.
func rateLimitMiddleware(perSec float64, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(perSec), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				httpx.Write(w, r, httpx.TooManyRequests("rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				httpx.Write(w, r, httpx.Internal(errPanic(rec)))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type panicError struct{ v any }

func (p panicError) Error() string { return "panic: " + panicString(p.v) }

func errPanic(v any) error { return panicError{v} }

func panicString(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "unknown"
}

