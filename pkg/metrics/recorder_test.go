package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ctriangulate/ctp/pkg/breaker"
	"github.com/ctriangulate/ctp/pkg/concurrency"
)

func TestRecorder_SamplesConcurrencyGauges(t *testing.T) {
	mgr, err := concurrency.NewManager(concurrency.Config{MaxConcurrency: 10})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	rec := NewRecorder(mgr, nil, nil, nil, nil)
	rec.sample(context.Background())

	if got := testutil.ToFloat64(ConcurrencyMax); got != 10 {
		t.Errorf("ConcurrencyMax = %v, want 10", got)
	}
}

func TestRecorder_SamplesBreakerState(t *testing.T) {
	set := breaker.NewSet(map[string]breaker.ServiceConfig{
		"llm": {FailureThreshold: 0.5, ResetTimeout: time.Minute},
	}, nil)

	rec := NewRecorder(nil, set, []string{"llm"}, nil, nil)
	rec.sample(context.Background())

	if got := testutil.ToFloat64(BreakerState.WithLabelValues("llm")); got != 0 {
		t.Errorf("BreakerState(llm) = %v, want 0 (CLOSED)", got)
	}
}

func TestConcurrencyObserver_IncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(ConcurrencyEventsTotal.WithLabelValues("ACQUIRED", "file-analysis"))

	obs := ConcurrencyObserver{}
	obs.Observe(concurrency.Event{Kind: concurrency.EventAcquired, WorkerKind: "file-analysis"})

	after := testutil.ToFloat64(ConcurrencyEventsTotal.WithLabelValues("ACQUIRED", "file-analysis"))
	if after != before+1 {
		t.Errorf("ConcurrencyEventsTotal after Observe = %v, want %v", after, before+1)
	}
}

func TestBreakerStateValue(t *testing.T) {
	cases := map[string]float64{
		"CLOSED":    0,
		"HALF_OPEN": 1,
		"OPEN":      2,
	}
	for state, want := range cases {
		if got := BreakerStateValue(state); got != want {
			t.Errorf("BreakerStateValue(%q) = %v, want %v", state, got, want)
		}
	}
}
