package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/modkernel/internal/config"
	"github.com/wisbric/modkernel/pkg/kernel/audit"
	"github.com/wisbric/modkernel/pkg/kernel/eventbus"
	"github.com/wisbric/modkernel/pkg/kernel/governance"
	"github.com/wisbric/modkernel/pkg/kernel/manager"
	"github.com/wisbric/modkernel/pkg/kernel/permission"
	"github.com/wisbric/modkernel/pkg/kernel/registry"
)

type discardWriter struct{}

func (discardWriter) WriteBatch(ctx context.Context, records []audit.Record) error { return nil }

func newTestServer(t *testing.T, backing Pinger) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink := audit.NewSink(discardWriter{}, logger)
	sink.Start(context.Background())
	t.Cleanup(func() { sink.Close(0) })

	perms := permission.New(logger)
	gov := governance.New(perms, sink)
	reg := registry.NewRegistry(logger)
	mgr := manager.New(manager.Deps{
		Bus:         eventbus.New(logger, 16),
		Permissions: perms,
		Registry:    reg,
		Governance:  gov,
		Logger:      logger,
	})

	cfg := &config.Config{CORSAllowedOrigins: []string{"*"}}
	reg2 := prometheus.NewRegistry()
	return NewServer(cfg, logger, mgr, sink, backing, reg2)
}

func TestHealthzAlwaysOK(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadyzOKWithNoBackingStore(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadyzUnavailableWhenBackingPingFails(t *testing.T) {
	failing := PingFunc(func(ctx context.Context) error { return errors.New("boom") })
	srv := newTestServer(t, failing)
	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != 503 {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestStatusReportsModulesAndDroppedCount(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest("GET", "/status", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Status       string           `json:"status"`
		AuditDropped uint64           `json:"audit_dropped_total"`
		Modules      []manager.Status `json:"modules"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding status body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("expected status ok, got %q", body.Status)
	}
	if body.AuditDropped != 0 {
		t.Errorf("expected audit_dropped_total 0 with no audit traffic, got %d", body.AuditDropped)
	}
	if body.Modules == nil {
		t.Error("expected a (possibly empty) modules slice, got nil")
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
