package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/allenhouchins/santa-2.0/internal/auth"
	"go.uber.org/zap"
	"google.golang.org/grpc/metadata"
)

// contextKey is an unexported type for context keys to avoid collisions.
type contextKey int

const principalCtxKey contextKey = iota

// principalFromContext extracts the authenticated caller from the request context.
func principalFromContext(ctx context.Context) *auth.Principal {
	v, _ := ctx.Value(principalCtxKey).(*auth.Principal)
	return v
}

// --- Auth middleware ---

// authMiddleware validates Bearer sgk_ tokens with the shared Authenticator
// and injects the principal into the request context. The Authorization
// header is copied into incoming gRPC metadata so HTTP and gRPC callers go
// through the same Authenticator.
func (d *Dependencies) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		md := metadata.MD{}
		if v := r.Header.Get("Authorization"); v != "" {
			md.Set("authorization", v)
		}
		ctx := metadata.NewIncomingContext(r.Context(), md)

		principal, err := d.Auth.Authenticate(ctx)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrAuthUnavailable):
				d.Logger.Warn("auth backend unavailable", zap.Error(err))
				writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Authentication unavailable"})
			case errors.Is(err, auth.ErrMissingAPIKey):
				writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Missing or invalid Authorization header"})
			default:
				d.Logger.Warn("auth failed", zap.Error(err))
				writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Invalid API key"})
			}
			return
		}

		ctx = context.WithValue(r.Context(), principalCtxKey, principal)
		next(w, r.WithContext(ctx))
	}
}

// --- JSON helpers ---

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// --- Request logging ---

func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// --- CORS ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
