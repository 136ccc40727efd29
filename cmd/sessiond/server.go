package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	authcore "github.com/Synapse-Technology/edulink-sub008"
	"github.com/Synapse-Technology/edulink-sub008/middleware"
	"github.com/rs/zerolog"
)

const internalKeyHeader = "X-Internal-Key"

type server struct {
	m           *authcore.Manager
	mw          middleware.Config
	internalKey string
	logger      zerolog.Logger
	metrics     http.Handler
}

type sessionView struct {
	SessionID         string            `json:"session_id"`
	UserID            string            `json:"user_id"`
	Status            string            `json:"status"`
	IPAddress         string            `json:"ip_address,omitempty"`
	UserAgent         string            `json:"user_agent,omitempty"`
	DeviceFingerprint string            `json:"device_fingerprint,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	LastActivityAt    time.Time         `json:"last_activity_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

func viewOf(s *authcore.Session) sessionView {
	return sessionView{
		SessionID:         s.SessionID,
		UserID:            s.UserID,
		Status:            s.Status.String(),
		IPAddress:         s.IPAddress,
		UserAgent:         s.UserAgent,
		DeviceFingerprint: s.DeviceFingerprint,
		CreatedAt:         s.CreatedAt,
		LastActivityAt:    s.LastActivityAt,
		ExpiresAt:         s.ExpiresAt,
		Metadata:          s.Metadata,
	}
}

type identityView struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	TokenType string    `json:"token_type"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
}

func identityOf(id *authcore.Identity) identityView {
	return identityView{
		UserID:    id.UserID,
		SessionID: id.SessionID,
		TokenType: string(id.TokenType),
		Scopes:    id.Scopes,
		ExpiresAt: id.ExpiresAt,
	}
}

func (s *server) routes() http.Handler {
	gateway := middleware.Gateway(s.m, s.mw)
	public := middleware.Public(s.m, s.mw)
	admin := middleware.Compose(gateway, middleware.RequireAdmin(s.m, s.mw))
	// Collaborator calls share a few source addresses, so they skip the
	// per-IP limit and are guarded by the internal key instead.
	internal := middleware.Compose(middleware.SecurityHeaders(), middleware.ClientContext(s.mw), s.internal)

	mux := http.NewServeMux()
	mux.Handle("POST /v1/sessions", internal(http.HandlerFunc(s.startSession)))
	mux.Handle("POST /v1/tokens/refresh", public(http.HandlerFunc(s.refresh)))
	mux.Handle("POST /v1/tokens/validate", internal(http.HandlerFunc(s.validate)))
	mux.Handle("GET /v1/session", gateway(http.HandlerFunc(s.currentSession)))
	mux.Handle("POST /v1/logout", gateway(http.HandlerFunc(s.logout)))
	mux.Handle("POST /v1/admin/sessions/{id}/{action}", admin(http.HandlerFunc(s.adminAction)))
	mux.HandleFunc("GET /healthz", s.health)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// internal admits only callers presenting the shared service key.
func (s *server) internal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(internalKeyHeader)
		if s.internalKey == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.internalKey)) != 1 {
			middleware.Reject(s.m, s.mw, w, r, fmt.Errorf("%w: missing or invalid internal key", authcore.ErrTokenInvalid))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type startSessionRequest struct {
	UserID            string            `json:"user_id"`
	IPAddress         string            `json:"ip_address"`
	UserAgent         string            `json:"user_agent"`
	DeviceFingerprint string            `json:"device_fingerprint"`
	Scopes            []string          `json:"scopes"`
	TTLSeconds        int64             `json:"ttl_seconds"`
	Metadata          map[string]string `json:"metadata"`
}

func (s *server) startSession(w http.ResponseWriter, r *http.Request) {
	var body startSessionRequest
	if !decode(w, r, &body) {
		return
	}

	sess, pair, err := s.m.StartSession(r.Context(), authcore.SessionRequest{
		UserID:            body.UserID,
		IPAddress:         body.IPAddress,
		UserAgent:         body.UserAgent,
		DeviceFingerprint: body.DeviceFingerprint,
		Scopes:            body.Scopes,
		TTL:               time.Duration(body.TTLSeconds) * time.Second,
		Metadata:          body.Metadata,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"session": viewOf(sess),
		"tokens":  pair,
	})
}

func (s *server) refresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	fromCookie := false
	if r.ContentLength != 0 {
		if !decode(w, r, &body) {
			return
		}
	}
	if body.RefreshToken == "" {
		if c, err := r.Cookie(s.mw.RefreshCookieName); err == nil {
			body.RefreshToken = c.Value
			fromCookie = true
		}
	}

	pair, err := s.m.RefreshToken(r.Context(), body.RefreshToken)
	if err != nil {
		middleware.Reject(s.m, s.mw, w, r, err)
		return
	}

	if fromCookie {
		s.setCookie(w, s.mw.CookieName, pair.AccessToken, pair.AccessExpiresAt)
		s.setCookie(w, s.mw.RefreshCookieName, pair.RefreshToken, pair.RefreshExpiresAt)
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *server) validate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if !decode(w, r, &body) {
		return
	}

	id, err := s.m.ValidateToken(r.Context(), body.Token)
	if err != nil {
		kind := authcore.KindOf(err)
		if kind == authcore.KindStoreUnavailable {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": kind.String()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "identity": identityOf(id)})
}

func (s *server) currentSession(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "no identity")
		return
	}

	sess, err := s.m.GetSession(r.Context(), id.SessionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity": identityOf(id),
		"session":  viewOf(sess),
	})
}

func (s *server) logout(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "no identity")
		return
	}

	if err := s.m.TerminateSession(r.Context(), id.SessionID, "logout"); err != nil {
		s.fail(w, r, err)
		return
	}
	s.setCookie(w, s.mw.CookieName, "", time.Unix(0, 0))
	s.setCookie(w, s.mw.RefreshCookieName, "", time.Unix(0, 0))
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) adminAction(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}

	var err error
	switch r.PathValue("action") {
	case "lock":
		err = s.m.LockSession(r.Context(), sessionID, reasonOr(body.Reason, "admin lock"))
	case "unlock":
		err = s.m.UnlockSession(r.Context(), sessionID)
	case "terminate":
		err = s.m.TerminateSession(r.Context(), sessionID, reasonOr(body.Reason, "admin terminate"))
	default:
		writeJSONError(w, http.StatusNotFound, "not_found", "unknown action")
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}

	sess, err := s.m.GetSession(r.Context(), sessionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.m.Ping(r.Context()); err != nil {
		s.logger.Warn().Err(err).Msg("health check failed")
		writeJSONError(w, http.StatusServiceUnavailable, "store_unavailable", "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// fail writes err as an error kind for collaborator and admin calls. Those
// callers are trusted, so the kind is not hidden. Credential failures go
// through middleware.Reject instead.
func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := authcore.KindOf(err)
	status := middleware.StatusFor(kind)
	switch {
	case kind == authcore.KindSessionNotFound:
		status = http.StatusNotFound
	case status == http.StatusOK:
		status = http.StatusInternalServerError
	}

	ev := s.logger.Info()
	if status >= http.StatusInternalServerError {
		ev = s.logger.Error()
	}
	ev.Err(err).Str("kind", kind.String()).Str("path", r.URL.Path).Msg("request failed")

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSONError(w, status, kind.String(), http.StatusText(status))
}

func (s *server) setCookie(w http.ResponseWriter, name, value string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   s.mw.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "invalid_argument", "body too large")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "invalid_argument", "malformed JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
