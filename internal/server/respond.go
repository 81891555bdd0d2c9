package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/aristath/cellar/internal/apperrors"
)

// Caller roles, ordered by privilege.
const (
	RoleGuest = "guest"
	RoleCrew  = "crew"
	RoleAdmin = "admin"
)

var roleRank = map[string]int{
	RoleGuest: 0,
	RoleCrew:  1,
	RoleAdmin: 2,
}

type contextKey string

const roleContextKey contextKey = "role"

// envelope is the uniform response shape for every JSON endpoint.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *errorBody  `json:"error,omitempty"`
}

type errorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, err error) {
	appErr := apperrors.AsError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus())
	_ = json.NewEncoder(w).Encode(envelope{
		Success: false,
		Error: &errorBody{
			Code:    string(appErr.Code),
			Message: appErr.Message,
			Details: appErr.Details,
		},
	})
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperrors.Validation("invalid request body: %v", err)
	}
	return nil
}

// roleMiddleware resolves the caller role from the X-User-Role header.
// Unknown or missing values fall back to guest. When authentication is
// disabled every caller is treated as admin.
func (s *Server) roleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := RoleGuest
		if s.authDisabled {
			role = RoleAdmin
		} else if header := r.Header.Get("X-User-Role"); header != "" {
			if _, ok := roleRank[header]; ok {
				role = header
			}
		}
		ctx := context.WithValue(r.Context(), roleContextKey, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func roleFrom(r *http.Request) string {
	if role, ok := r.Context().Value(roleContextKey).(string); ok {
		return role
	}
	return RoleGuest
}

// requireRole gates a route subtree behind a minimum role.
func requireRole(minRole string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if roleRank[roleFrom(r)] < roleRank[minRole] {
				respondError(w, apperrors.Forbidden("role %s required", minRole))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func userIDFrom(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}
