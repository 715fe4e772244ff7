// Package middleware provides HTTP middleware for workspace isolation.
package middleware

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
)

// ContextKey is the type for context keys in this package.
type ContextKey string

// WorkspaceIDKey is the context key for the current workspace/org ID.
const WorkspaceIDKey ContextKey = "workspace_id"

var uuidRegex = regexp.MustCompile(`^[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}$`)

// jwtClaims represents minimal JWT claims for workspace extraction.
type jwtClaims struct {
	OrgID       string `json:"org_id"`
	WorkspaceID string `json:"workspace_id"`
}

// WorkspaceFromContext retrieves the workspace ID from the request context.
// Returns empty string if not set.
func WorkspaceFromContext(ctx context.Context) string {
	if v := ctx.Value(WorkspaceIDKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// RequireWorkspace ensures a valid workspace ID is present, from either a
// Bearer token's org claim or the X-Workspace-ID header for
// service-to-service calls. Requests without one get 401.
func RequireWorkspace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		workspaceID := extractWorkspaceID(r)
		if workspaceID == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"missing or invalid workspace"}`))
			return
		}
		ctx := context.WithValue(r.Context(), WorkspaceIDKey, workspaceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OptionalWorkspace attaches the workspace ID when present but lets the
// request through either way. Handlers that need one check the context.
func OptionalWorkspace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if workspaceID := extractWorkspaceID(r); workspaceID != "" {
			ctx := context.WithValue(r.Context(), WorkspaceIDKey, workspaceID)
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

func extractWorkspaceID(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if id := workspaceFromJWT(strings.TrimPrefix(auth, "Bearer ")); uuidRegex.MatchString(id) {
			return id
		}
	}
	if id := strings.TrimSpace(r.Header.Get("X-Workspace-ID")); uuidRegex.MatchString(id) {
		return id
	}
	return ""
}

// workspaceFromJWT pulls the org claim out of an unverified JWT payload.
// Verification is the API gateway's job; this only routes the workspace.
func workspaceFromJWT(token string) string {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims jwtClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ""
	}
	if claims.OrgID != "" {
		return claims.OrgID
	}
	return claims.WorkspaceID
}
