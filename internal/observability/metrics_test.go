package observability

import (
	"testing"
	"time"

	"github.com/danmuck/worldsync/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("worldd", "GET", "/health", 200, 12*time.Millisecond)
	RecordMessage("lobby", DirectionIn, "delta")
	RecordFault("lobby", FaultOrdering)
	ObserveTick("lobby", 2*time.Millisecond)
	ObserveRTT("lobby", 30*time.Millisecond)
}

func TestRecordValidationCountsOutcomes(t *testing.T) {
	testlog.Start(t)
	before := testutil.ToFloat64(records.WithLabelValues("metrics-test", "rejected"))
	RecordValidation("metrics-test", 3, 2)
	RecordValidation("metrics-test", 0, 0)
	if got := testutil.ToFloat64(records.WithLabelValues("metrics-test", "rejected")) - before; got != 2 {
		t.Fatalf("expected 2 rejected, got %v", got)
	}
}

func TestSetWorldState(t *testing.T) {
	testlog.Start(t)
	SetWorldState("gauge-test", 101, 3)
	if got := testutil.ToFloat64(stateVersion.WithLabelValues("gauge-test")); got != 101 {
		t.Fatalf("unexpected version gauge: %v", got)
	}
	if got := testutil.ToFloat64(participants.WithLabelValues("gauge-test")); got != 3 {
		t.Fatalf("unexpected participants gauge: %v", got)
	}
}
