package internaldefs

import (
	authcore "github.com/Synapse-Technology/edulink-sub008"
)

// CounterDef names one Manager counter for export.
type CounterDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// HistogramDef names one Manager latency histogram for export.
type HistogramDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter.
var CounterDefs = []CounterDef{
	{ID: authcore.MetricSessionCreated, Name: "authcore_session_created_total", Help: "Created sessions."},
	{ID: authcore.MetricSessionTerminated, Name: "authcore_session_terminated_total", Help: "Sessions moved to REVOKED."},
	{ID: authcore.MetricSessionLocked, Name: "authcore_session_locked_total", Help: "Sessions moved to LOCKED."},
	{ID: authcore.MetricSessionUnlocked, Name: "authcore_session_unlocked_total", Help: "Administrative unlocks."},
	{ID: authcore.MetricSessionExpired, Name: "authcore_session_expired_total", Help: "Sessions moved to EXPIRED."},
	{ID: authcore.MetricTokenIssued, Name: "authcore_token_issued_total", Help: "Signed tokens of any type."},
	{ID: authcore.MetricValidateSuccess, Name: "authcore_validate_success_total", Help: "Successful token validations."},
	{ID: authcore.MetricValidateFailure, Name: "authcore_validate_failure_total", Help: "Failed token validations."},
	{ID: authcore.MetricRefreshSuccess, Name: "authcore_refresh_success_total", Help: "Successful refresh token rotations."},
	{ID: authcore.MetricRefreshFailure, Name: "authcore_refresh_failure_total", Help: "Failed refresh token rotations."},
	{ID: authcore.MetricRefreshReuseDetected, Name: "authcore_refresh_reuse_detected_total", Help: "Refresh tokens presented after rotation."},
	{ID: authcore.MetricTokenConsumed, Name: "authcore_token_consumed_total", Help: "One-time tokens consumed."},
	{ID: authcore.MetricTokenRevoked, Name: "authcore_token_revoked_total", Help: "Single tokens revoked."},
	{ID: authcore.MetricRateLimitHit, Name: "authcore_rate_limit_hit_total", Help: "Rate-limit checks that denied requests."},
	{ID: authcore.MetricLoginLocked, Name: "authcore_login_locked_total", Help: "Login checks refused by lockout."},
	{ID: authcore.MetricStoreUnavailable, Name: "authcore_store_unavailable_total", Help: "Store calls that failed or timed out."},
	{ID: authcore.MetricBackgroundDropped, Name: "authcore_background_dropped_total", Help: "Background tasks dropped because the queue was full."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: authcore.MetricValidateLatency, Name: "authcore_validate_latency_seconds", Help: "Token validation latency."},
}

// RejectionsName is the counter of interceptor rejections, labelled by kind.
const (
	RejectionsName = "authcore_rejections_total"
	RejectionsHelp = "Rejected requests by error kind."
	KindLabel      = "kind"

	AuditDroppedName = "authcore_audit_dropped_total"
	AuditDroppedHelp = "Security events dropped because the dispatch queue was full."
)

// HistogramBounds are the bucket upper bounds in seconds as text.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramUpperBounds are the finite bucket upper bounds in seconds.
var HistogramUpperBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// HistogramBoundSuffix names each bucket in instrument names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed-size array, zero-filling.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts to cumulative counts.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
