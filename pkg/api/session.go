package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/platinummonkey/consortium/pkg/auth"
	"github.com/platinummonkey/consortium/pkg/contextkeys"
	"github.com/platinummonkey/consortium/pkg/httputil"
	"github.com/platinummonkey/consortium/pkg/observability"
)

// bearerToken extracts the token of an "Authorization: Bearer <token>" header
func bearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// requireSession resolves the bearer token into the acting principal
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			httputil.WriteUnauthorized(w, "missing or malformed authorization header")
			return
		}
		sess, err := s.sessions.Resolve(token)
		if err != nil {
			httputil.WriteUnauthorized(w, "invalid or expired session")
			return
		}
		ctx := context.WithValue(r.Context(), contextkeys.PrincipalKey, sess.Principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// principal returns the acting principal set by requireSession
func principal(r *http.Request) *auth.Principal {
	p, _ := r.Context().Value(contextkeys.PrincipalKey).(*auth.Principal)
	return p
}

// LoginRequest is the body of POST /api/login
type LoginRequest struct {
	Username string       `json:"username"`
	Password string       `json:"password"`
	Channel  auth.Channel `json:"channel"`
}

// LoginResponse carries the session token
type LoginResponse struct {
	Token     string          `json:"token"`
	Principal *auth.Principal `json:"principal"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Channel == "" {
		req.Channel = auth.ChannelStandard
	}

	token, p, err := s.authenticator.Login(r.Context(), req.Username, req.Password, req.Channel)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, LoginResponse{Token: token, Principal: p})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	token, _ := bearerToken(r)
	if err := s.authenticator.Logout(r.Context(), token); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, principal(r))
}

// PermissionsRequest replaces the permission set of a principal
type PermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

func (s *Server) setPermissions(w http.ResponseWriter, r *http.Request) {
	username, ok := httputil.ParsePathStringOrError(w, r, "username")
	if !ok {
		return
	}
	var req PermissionsRequest
	if !decode(w, r, &req) {
		return
	}

	updated, err := s.roster.SetPermissions(r.Context(), principal(r), username, req.Permissions)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	if err := s.sessions.Refresh(r.Context(), updated); err != nil {
		// the roster holds the change; open sessions pick it up at next login
		observability.FromContext(r.Context(), s.log).WithError(err).Warn("Failed to refresh sessions after permission change")
	}
	httputil.WriteSuccess(w, updated)
}
