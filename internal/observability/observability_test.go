package observability_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"ClearLedger/internal/observability"
)

func TestNewMetrics_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	m.OpsApplied.WithLabelValues("deposit").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "clear_core_ops_applied_total" {
			found = true
			if v := mf.GetMetric()[0].GetCounter().GetValue(); v != 1 {
				t.Errorf("ops applied: got %v, want 1", v)
			}
		}
	}
	if !found {
		t.Error("clear_core_ops_applied_total not registered")
	}

	// A second set on a fresh registry must not panic on duplicate names.
	observability.NewMetrics(prometheus.NewRegistry())
	observability.NewMetrics(nil)
}

func TestSetChannelMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	m.SetChannelMetrics("persist", 25, 100)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "clear_channel_utilization" {
			if v := mf.GetMetric()[0].GetGauge().GetValue(); v != 0.25 {
				t.Errorf("utilization: got %v, want 0.25", v)
			}
			return
		}
	}
	t.Error("clear_channel_utilization not gathered")
}

func TestParseLogLevel(t *testing.T) {
	if observability.ParseLogLevel("debug") != zerolog.DebugLevel {
		t.Error("debug")
	}
	if observability.ParseLogLevel("bogus") != zerolog.InfoLevel {
		t.Error("unknown levels default to info")
	}
}

func TestReadiness(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("before SetReady: got %d", rec.Code)
	}

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("ready: got %d", rec.Code)
	}

	h.Register("postgres", func(context.Context) error { return errors.New("down") })
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("failing check: got %d", rec.Code)
	}
	if failing := h.Failing(context.Background()); failing["postgres"] != "down" {
		t.Errorf("failing: %v", failing)
	}
}
