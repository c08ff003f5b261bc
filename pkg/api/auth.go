package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"node-emissions/pkg/auth"
	"node-emissions/pkg/logger"
)

const defaultTokenTTL = 12 * time.Hour

type ctxKey int

const actorKey ctxKey = iota

// actor names who is calling, for the audit trail.
func actor(r *http.Request) string {
	if a, ok := r.Context().Value(actorKey).(string); ok && a != "" {
		return a
	}
	return "anonymous"
}

func (s *Server) authRequired() bool {
	return s.Token != "" || len(s.Operators) > 0
}

func bearer(r *http.Request) string {
	if h := r.Header.Get("X-Auth-Token"); h != "" {
		return h
	}
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimPrefix(authz, "Bearer ")
	}
	return ""
}

// operator guards mutating endpoints. It accepts the bootstrap token or an
// operator JWT and records the caller for auditing.
func (s *Server) operator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authRequired() {
			next(w, r.WithContext(context.WithValue(r.Context(), actorKey, "operator")))
			return
		}
		tok := bearer(r)
		if tok == "" {
			writeMessage(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if s.Token != "" && subtle.ConstantTimeCompare([]byte(tok), []byte(s.Token)) == 1 {
			next(w, r.WithContext(context.WithValue(r.Context(), actorKey, "bootstrap")))
			return
		}
		claims, err := auth.Parse(tok)
		if err != nil || claims.Role != auth.RoleOperator {
			writeMessage(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), actorKey, claims.Operator)))
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeMessage(w, http.StatusBadRequest, "username and password are required")
		return
	}
	hash, ok := s.Operators[req.Username]
	if !ok || !auth.CheckPassword(hash, req.Password) {
		logger.Named("api").Warn("login rejected", zap.String("username", req.Username))
		writeMessage(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	ttl := s.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	token, err := auth.Generate(req.Username, auth.RoleOperator, ttl)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{Token: token, ExpiresAt: time.Now().Add(ttl).UTC()})
}
