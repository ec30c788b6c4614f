package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Caller identity is set upstream by the auth collaborator
const (
	HeaderCallerID   = "X-Caller-ID"
	HeaderCallerRole = "X-Caller-Role"
)

type Role string

const (
	RoleAgent  Role = "agent"
	RoleAdmin  Role = "admin"
	RoleRenter Role = "renter"
)

// Caller is the authenticated principal of a request
type Caller struct {
	ID   uuid.UUID
	Role Role
}

type callerKey struct{}

// CallerFrom returns the caller stored by the identity middleware
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// identity reads the caller headers. A request without them passes through
// anonymous and is rejected by requireRole.
func identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get(HeaderCallerID))
		role := Role(r.Header.Get(HeaderCallerRole))
		if err != nil || role == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), callerKey{}, Caller{ID: id, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole rejects anonymous callers with 401 and other roles with 403
func requireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := CallerFrom(r.Context())
			if !ok {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthenticated"})
				return
			}
			for _, role := range roles {
				if caller.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
		})
	}
}

// requestLogger logs every request with zap once it completes
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
