package monitoring

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetricsForTesting()

	m.CyclesTotal.WithLabelValues("ok").Inc()
	m.CyclesTotal.WithLabelValues("ok").Inc()
	m.CyclesTotal.WithLabelValues("error").Inc()
	if got := testutil.ToFloat64(m.CyclesTotal.WithLabelValues("ok")); got != 2 {
		t.Errorf("cycles ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CyclesTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("cycles error = %v, want 1", got)
	}

	m.MaskedFraction.Set(0.25)
	if got := testutil.ToFloat64(m.MaskedFraction); got != 0.25 {
		t.Errorf("masked fraction gauge = %v, want 0.25", got)
	}
}

func TestNewMetricsForTestingIsUnregistered(t *testing.T) {
	// Creating two instances must not panic with duplicate
	// registration.
	_ = NewMetricsForTesting()
	_ = NewMetricsForTesting()
}
