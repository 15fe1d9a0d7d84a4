package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap/zapcore"
)

func TestNewMetricsRegistersAll(t *testing.T) {
	m := NewMetrics("test")
	if m.registry == nil {
		t.Fatal("expected non-nil registry")
	}

	// Verify all gauges/counters/histograms are non-nil.
	if m.Balance == nil {
		t.Error("Balance is nil")
	}
	if m.ConfirmedBalance == nil {
		t.Error("ConfirmedBalance is nil")
	}
	if m.PendingBlocks == nil {
		t.Error("PendingBlocks is nil")
	}
	if m.QuorumFailures == nil {
		t.Error("QuorumFailures is nil")
	}
	if m.SyncStatus == nil {
		t.Error("SyncStatus is nil")
	}
}

func TestNopMetrics(t *testing.T) {
	m := NopMetrics()

	// NopMetrics should not panic when used.
	m.Balance.Set(10)
	m.BlocksCommitted.Inc()
	m.PersistLatency.Observe(0.01)
	m.TipReports.Observe(4)
}

func TestMetricsEndpoint(t *testing.T) {
	m := NewMetrics("test")

	// Set some values.
	m.LastConfirmedEpoch.Set(42)
	m.PendingBlocks.Set(5)

	handler := promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	if len(body) == 0 {
		t.Fatal("expected non-empty metrics output")
	}
	if !strings.Contains(body, "test_wallet_last_confirmed_epoch 42") {
		t.Error("expected last confirmed epoch gauge in output")
	}
}

func TestNewLoggerDevelopment(t *testing.T) {
	logger, err := NewLogger("development")
	if err != nil {
		t.Fatalf("NewLogger(development): %v", err)
	}
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewLoggerProduction(t *testing.T) {
	logger, err := NewLogger("production")
	if err != nil {
		t.Fatalf("NewLogger(production): %v", err)
	}
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewLoggerInvalid(t *testing.T) {
	_, err := NewLogger("invalid")
	if err == nil {
		t.Fatal("expected error for invalid mode")
	}
}

func TestNewNopLogger(t *testing.T) {
	logger := NewNopLogger()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	// Should not panic.
	logger.Info("test message")
}

func TestNewLoggerAliases(t *testing.T) {
	// Test short aliases.
	l1, err := NewLogger("dev")
	if err != nil {
		t.Fatalf("NewLogger(dev): %v", err)
	}
	if l1 == nil {
		t.Fatal("expected non-nil logger for 'dev'")
	}

	l2, err := NewLogger("prod")
	if err != nil {
		t.Fatalf("NewLogger(prod): %v", err)
	}
	if l2 == nil {
		t.Fatal("expected non-nil logger for 'prod'")
	}
}

func TestNewLoggerWithLevel(t *testing.T) {
	logger, err := NewLoggerWithLevel("production", "warn")
	if err != nil {
		t.Fatalf("NewLoggerWithLevel: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info should be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Error("warn should be enabled")
	}

	if _, err := NewLoggerWithLevel("production", "loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
