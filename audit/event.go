package audit

import "time"

// EventType names what happened.
type EventType string

const (
	EventSessionCreated       EventType = "session_created"
	EventSessionTerminated    EventType = "session_terminated"
	EventSessionLocked        EventType = "session_locked"
	EventSessionUnlocked      EventType = "session_unlocked"
	EventSessionExpired       EventType = "session_expired"
	EventTokenRejected        EventType = "token_rejected"
	EventTokenRefreshed       EventType = "token_refreshed"
	EventRefreshReuseDetected EventType = "refresh_reuse_detected"
	EventTokenConsumed        EventType = "token_consumed"
	EventTokenRevoked         EventType = "token_revoked"
	EventRateLimited          EventType = "rate_limited"
	EventLoginLocked          EventType = "login_locked"
	EventStoreUnavailable     EventType = "store_unavailable"
)

// Event is an append-only security log record. Once emitted it is never
// modified.
type Event struct {
	EventID   string            `json:"event_id"`
	EventType EventType         `json:"event_type"`
	SessionID string            `json:"session_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	IPAddress string            `json:"ip_address,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Detail    string            `json:"detail,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
