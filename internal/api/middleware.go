package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/xtrntr/ticketmatch/internal/auth"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

type ctxKey int

const identityKey ctxKey = iota

// WithIdentity returns a copy of ctx carrying the authenticated caller
func WithIdentity(ctx context.Context, identity auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFrom returns the caller attached by JWTAuthMiddleware
func IdentityFrom(ctx context.Context) (auth.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(auth.Identity)
	return identity, ok
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeErrorBody(w, http.StatusUnauthorized, "Authorization header required", "UNAUTHORIZED")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		identity, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			writeErrorBody(w, http.StatusUnauthorized, "Invalid or expired token", "UNAUTHORIZED")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// RequestLogger logs one line per request once the response is written
func (h *Handler) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		fields := logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
		}
		entry := h.Log.WithFields(fields)
		switch {
		case ww.Status() >= http.StatusInternalServerError:
			entry.Error("request")
		case ww.Status() >= http.StatusBadRequest:
			entry.Warn("request")
		default:
			entry.Info("request")
		}
	})
}
