package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHelpersBeforeInitAreNoops(t *testing.T) {
	IncrementSubmit("confirmed")
	AddEventsForwarded("forwarder", 3)
}

func TestInitRegistersAndCounts(t *testing.T) {
	Init("127.0.0.1:0")

	IncrementSubmit("confirmed")
	IncrementSubmit("confirmed")
	IncrementSubmit("failed")
	AddEventsForwarded("forwarder", 5)
	AddEventsForwarded("forwarder", 0)

	if got := testutil.ToFloat64(submitsTotal.WithLabelValues("confirmed")); got != 2 {
		t.Fatalf("confirmed submits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(submitsTotal.WithLabelValues("failed")); got != 1 {
		t.Fatalf("failed submits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(eventsForwarded.WithLabelValues("forwarder")); got != 5 {
		t.Fatalf("events forwarded = %v, want 5", got)
	}
}
