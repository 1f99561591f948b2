package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	if m.RequestsTotal == nil {
		t.Error("RequestsTotal is nil")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.ActiveRequests == nil {
		t.Error("ActiveRequests is nil")
	}
	if m.DispatchOutcomes == nil {
		t.Error("DispatchOutcomes is nil")
	}
	if m.DispatchAttempts == nil {
		t.Error("DispatchAttempts is nil")
	}
	if m.PoolSize == nil {
		t.Error("PoolSize is nil")
	}
	if m.AccountCooldowns == nil {
		t.Error("AccountCooldowns is nil")
	}
	if m.QuotaRejections == nil {
		t.Error("QuotaRejections is nil")
	}
	if m.AlertsFired == nil {
		t.Error("AlertsFired is nil")
	}
	if m.TokensProcessed == nil {
		t.Error("TokensProcessed is nil")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected at least one metric family")
	}
}

func TestNewMetricsIncrement(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	m.RequestsTotal.WithLabelValues("POST", "/v1/chat/completions", "200").Inc()
	m.DispatchOutcomes.WithLabelValues("chat", "success").Inc()
	m.DispatchAttempts.WithLabelValues("chat").Observe(2)
	m.PoolSize.WithLabelValues("qwen").Set(5)
	m.AccountCooldowns.Set(1)
	m.QuotaRejections.WithLabelValues("chat", "daily").Inc()
	m.AlertsFired.WithLabelValues("auth_failed_accounts", "ALERT").Inc()
	m.ActiveRequests.Set(5)
	m.RequestDuration.WithLabelValues("POST", "/v1/chat/completions").Observe(0.123)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather after increment: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	want := []string{
		"qwengate_requests_total",
		"qwengate_dispatch_outcomes_total",
		"qwengate_dispatch_attempts",
		"qwengate_pool_size",
		"qwengate_accounts_in_cooldown",
		"qwengate_quota_rejections_total",
		"qwengate_alerts_fired_total",
		"qwengate_active_requests",
		"qwengate_request_duration_seconds",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("missing metric %q in gathered families", name)
		}
	}
}

// SetupTracing is not unit-tested because it requires a gRPC connection
// to an OTLP collector, which is integration-test territory.
