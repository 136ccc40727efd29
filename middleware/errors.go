package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	authcore "github.com/Synapse-Technology/edulink-sub008"
	"github.com/Synapse-Technology/edulink-sub008/audit"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: code, Message: message})
}

// StatusFor maps an error kind to its HTTP status. Store failures are 503 so
// that gateways can tell them apart from authorization failures.
func StatusFor(kind authcore.ErrorKind) int {
	switch {
	case kind == authcore.KindNone:
		return http.StatusOK
	case kind == authcore.KindSessionLocked:
		return http.StatusForbidden
	case kind.IsSessionError(), kind.IsTokenError():
		return http.StatusUnauthorized
	case kind == authcore.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case kind == authcore.KindStoreUnavailable, kind == authcore.KindVersionConflict:
		return http.StatusServiceUnavailable
	case kind == authcore.KindInvalidArgument:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// eventFor picks the security event type recorded for a rejection.
func eventFor(kind authcore.ErrorKind) audit.EventType {
	switch kind {
	case authcore.KindRateLimitExceeded:
		return audit.EventRateLimited
	case authcore.KindStoreUnavailable, authcore.KindVersionConflict:
		return audit.EventStoreUnavailable
	}
	return audit.EventTokenRejected
}

// Reject ends the request for err the way the interceptor chain does. Handlers
// that authenticate on their own, such as a refresh endpoint, use it so that
// their failures are counted and reported like any other rejection.
func Reject(m *authcore.Manager, cfg Config, w http.ResponseWriter, r *http.Request, err error) {
	reject(m, cfg.normalized(), w, r, err, nil)
}

// reject ends the request for err. It counts the rejection, emits one
// security event and writes a response that does not disclose which token
// check failed.
func reject(m *authcore.Manager, cfg Config, w http.ResponseWriter, r *http.Request, err error, id *authcore.Identity) {
	kind := authcore.KindOf(err)
	if m != nil {
		m.RecordRejection(err)
	}
	// Refresh reuse was reported when it was detected.
	if m != nil && !errors.Is(err, authcore.ErrRefreshReuse) {
		event := audit.Event{
			EventType: eventFor(kind),
			Detail:    kind.String(),
			Metadata:  map[string]string{"path": r.URL.Path, "method": r.Method},
		}
		if id != nil {
			event.SessionID = id.SessionID
			event.UserID = id.UserID
		}
		m.EmitSecurityEvent(r.Context(), event)
	}

	cfg.Logger.Warn().
		Str("kind", kind.String()).
		Str("path", r.URL.Path).
		Str("ip", requestIP(r, cfg)).
		Msg("request rejected")

	status := StatusFor(kind)
	switch status {
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeError(w, status, "unauthorized", "authentication required")
	case http.StatusForbidden:
		writeError(w, status, "session_locked", "session is locked")
	case http.StatusTooManyRequests:
		writeError(w, status, "rate_limited", "too many requests")
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
		writeError(w, status, "unavailable", "session service unavailable")
	case http.StatusBadRequest:
		writeError(w, status, "bad_request", "invalid request")
	default:
		writeError(w, status, "internal", "internal error")
	}
}
