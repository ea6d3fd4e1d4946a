package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterCoreMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoreMetrics(reg)
	AdmissionCounter.WithLabelValues("admitted").Inc()
	FulfillmentCounter.WithLabelValues("persisted").Inc()
	FulfillmentBacklog.Set(5)
	CacheCounter.WithLabelValues("shop", "hit").Inc()
	LockCounter.WithLabelValues("acquired").Inc()
	IDCounter.WithLabelValues("order").Inc()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) < 6 {
		t.Fatalf("expected metrics registered, got %d", len(mfs))
	}
	if v := testutil.ToFloat64(FulfillmentBacklog); v != 5 {
		t.Fatalf("expected backlog 5, got %v", v)
	}
}

func TestRegisterCoreMetricsDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoreMetrics(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterCoreMetrics(reg)
}
