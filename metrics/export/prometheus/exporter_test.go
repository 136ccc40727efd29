package prometheus

import (
	"strings"
	"testing"

	authcore "github.com/Synapse-Technology/edulink-sub008"
	"github.com/Synapse-Technology/edulink-sub008/metrics/export/internaldefs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeSource struct {
	snapshot authcore.MetricsSnapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() authcore.MetricsSnapshot { return f.snapshot }
func (f fakeSource) AuditDropped() uint64                      { return f.dropped }

func TestCollectorCountersAndHistogram(t *testing.T) {
	c := NewCollectorFromSource(fakeSource{
		snapshot: authcore.MetricsSnapshot{
			Counters: map[authcore.MetricID]uint64{
				authcore.MetricSessionCreated: 7,
			},
			Rejections: map[authcore.ErrorKind]uint64{
				authcore.KindSessionRevoked: 3,
			},
			Histograms: map[authcore.MetricID][]uint64{
				authcore.MetricValidateLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		dropped: 2,
	})

	expected := `
# HELP authcore_session_created_total Created sessions.
# TYPE authcore_session_created_total counter
authcore_session_created_total 7
# HELP authcore_audit_dropped_total Security events dropped because the dispatch queue was full.
# TYPE authcore_audit_dropped_total counter
authcore_audit_dropped_total 2
# HELP authcore_validate_latency_seconds Token validation latency.
# TYPE authcore_validate_latency_seconds histogram
authcore_validate_latency_seconds_bucket{le="0.005"} 1
authcore_validate_latency_seconds_bucket{le="0.01"} 3
authcore_validate_latency_seconds_bucket{le="0.025"} 6
authcore_validate_latency_seconds_bucket{le="0.05"} 10
authcore_validate_latency_seconds_bucket{le="0.1"} 15
authcore_validate_latency_seconds_bucket{le="0.25"} 21
authcore_validate_latency_seconds_bucket{le="0.5"} 28
authcore_validate_latency_seconds_bucket{le="+Inf"} 36
authcore_validate_latency_seconds_sum 0
authcore_validate_latency_seconds_count 36
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"authcore_session_created_total",
		"authcore_audit_dropped_total",
		"authcore_validate_latency_seconds",
	)
	if err != nil {
		t.Fatalf("unexpected collector output: %v", err)
	}
}

func TestCollectorRejectionsByKind(t *testing.T) {
	c := NewCollectorFromSource(fakeSource{
		snapshot: authcore.MetricsSnapshot{
			Counters:   map[authcore.MetricID]uint64{},
			Rejections: map[authcore.ErrorKind]uint64{authcore.KindRateLimitExceeded: 4},
			Histograms: map[authcore.MetricID][]uint64{},
		},
	})

	want := len(internaldefs.CounterDefs) + len(internaldefs.HistogramDefs) + len(authcore.ErrorKinds()) + 1
	if got := testutil.CollectAndCount(c); got != want {
		t.Fatalf("expected %d series, got %d", want, got)
	}

	expected := `
# HELP authcore_rejections_total Rejected requests by error kind.
# TYPE authcore_rejections_total counter
`
	for _, kind := range authcore.ErrorKinds() {
		v := "0"
		if kind == authcore.KindRateLimitExceeded {
			v = "4"
		}
		expected += `authcore_rejections_total{kind="` + kind.String() + `"} ` + v + "\n"
	}
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected), internaldefs.RejectionsName); err != nil {
		t.Fatalf("unexpected rejections: %v", err)
	}
}

func TestCollectorRegistersAndLints(t *testing.T) {
	c := NewCollectorFromSource(fakeSource{snapshot: authcore.MetricsSnapshot{}})

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}

	problems, err := testutil.CollectAndLint(c)
	if err != nil {
		t.Fatalf("lint: %v", err)
	}
	for _, p := range problems {
		t.Errorf("lint %s: %s", p.Metric, p.Text)
	}
}

func TestNilSourceCollectsNothing(t *testing.T) {
	c := NewCollectorFromSource(nil)
	if got := testutil.CollectAndCount(c); got != 0 {
		t.Fatalf("expected no series, got %d", got)
	}
}
