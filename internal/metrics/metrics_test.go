package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterDoesNotPanicAndMetricsAreCollectible(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	ProviderAllocations.WithLabelValues("available").Inc()
	ActiveUsers.Set(3)
	BytesRelayed.Add(1024)

	if got := testutil.ToFloat64(ActiveUsers); got != 3 {
		t.Fatalf("ActiveUsers = %v, want 3", got)
	}
	if got := testutil.ToFloat64(ProviderAllocations.WithLabelValues("available")); got != 1 {
		t.Fatalf("ProviderAllocations{available} = %v, want 1", got)
	}
}

func TestRegisterTwiceOnFreshRegistryDoesNotConflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	// A second, independent registry must also accept registration cleanly.
	reg2 := prometheus.NewRegistry()
	Register(reg2)
}
