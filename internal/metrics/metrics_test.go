package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConnectionState(t *testing.T) {
	SetConnectionState("tokens", 2)

	if got := testutil.ToFloat64(ConnectionState.WithLabelValues("tokens")); got != 2 {
		t.Errorf("Expected connection state 2, got %f", got)
	}
}

func TestLabelledCounters(t *testing.T) {
	HistoryRequests.Reset()
	BarsDropped.Reset()
	Prefetches.Reset()

	ObserveHistory("ok")
	ObserveHistory("debounced")
	ObserveHistory("debounced")
	DropBar("regression")
	ObservePrefetch("error")

	if got := testutil.ToFloat64(HistoryRequests.WithLabelValues("debounced")); got != 2 {
		t.Errorf("Expected 2 debounced requests, got %f", got)
	}
	if got := testutil.ToFloat64(HistoryRequests.WithLabelValues("ok")); got != 1 {
		t.Errorf("Expected 1 ok request, got %f", got)
	}
	if got := testutil.ToFloat64(BarsDropped.WithLabelValues("regression")); got != 1 {
		t.Errorf("Expected 1 regression drop, got %f", got)
	}
	if got := testutil.ToFloat64(Prefetches.WithLabelValues("error")); got != 1 {
		t.Errorf("Expected 1 prefetch error, got %f", got)
	}
}
