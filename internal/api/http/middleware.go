package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"tutor-wallet-backend/internal/config"
	"tutor-wallet-backend/internal/domain"
	"tutor-wallet-backend/internal/logger"
	"tutor-wallet-backend/internal/security"
)

type contextKey string

const claimsKey contextKey = "claims"

// AuthMiddleware authenticates requests by bearer token and authorizes them
// against the security level configured for the matched route.
type AuthMiddleware struct {
	tokenManager security.TokenManager
}

func NewAuthMiddleware(tm security.TokenManager) *AuthMiddleware {
	return &AuthMiddleware{tokenManager: tm}
}

func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := ""
		if route := mux.CurrentRoute(r); route != nil {
			name = route.GetName()
		}
		level, ok := config.GetSecurityLevel(name)
		if !ok {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "route is not exposed"})
			return
		}

		// Public endpoint - skip auth
		if level == config.SecurityPublic {
			next.ServeHTTP(w, r)
			return
		}

		token := extractToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authorization token is not provided"})
			return
		}
		claims, err := a.tokenManager.ValidateToken(token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
			return
		}

		switch level {
		case config.SecurityOwner:
			if _, err := claims.Owner(); err != nil {
				writeJSON(w, http.StatusForbidden, errorResponse{Error: "wallet owner token required"})
				return
			}
		case config.SecuritySystem:
			if !claims.HasRole(security.RoleSystem) {
				writeJSON(w, http.StatusForbidden, errorResponse{Error: "system token required"})
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func extractToken(r *http.Request) string {
	token := r.Header.Get("Authorization")
	// Remove Bearer prefix if present
	if len(token) > 7 && strings.ToUpper(token[0:7]) == "BEARER " {
		token = token[7:]
	}
	return strings.TrimSpace(token)
}

// ownerFromContext returns the wallet owner of an authenticated owner request.
func ownerFromContext(ctx context.Context) (domain.WalletOwnerRef, bool) {
	claims, ok := ctx.Value(claimsKey).(*security.OwnerClaims)
	if !ok {
		return domain.WalletOwnerRef{}, false
	}
	owner, err := claims.Owner()
	return owner, err == nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs one line per request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("HTTP request", "method", r.Method, "path", r.URL.Path, "status", rec.status,
			"duration_ms", time.Since(started).Milliseconds())
	})
}
