package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"plex-kiosk/app/config"
	"plex-kiosk/app/logger"
	"plex-kiosk/app/model"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{
			Driver:       "sqlite",
			DSN:          fmt.Sprintf("file:pipeline_%d?mode=memory&cache=shared", time.Now().UnixNano()),
			MaxOpenConns: 1,
		},
		Backend:  config.BackendConfig{Type: "memory", TaskName: "process_request_task", ResultTTL: time.Hour},
		Callback: config.CallbackConfig{Secret: "secret", Issuer: "plex-kiosk", TTL: time.Hour},
		Pipeline: config.PipelineConfig{
			MaxRetries:          1,
			SignalTimeout:       time.Hour,
			SubmitTimeout:       time.Second,
			DispatchLease:       time.Minute,
			LedgerWriteAttempts: 3,
			LedgerWriteBackoff:  time.Millisecond,
			PendingGrace:        time.Minute,
			SweepSpec:           "@every 1h",
			SweepBatch:          10,
		},
	}
}

func TestOpenStartClose(t *testing.T) {
	cfg := testConfig(t)
	p, err := Open(cfg, logger.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx := context.Background()
	req, err := p.Ledger.Create(ctx, model.RequestPayload{MediaType: model.MediaTypeMovie, ExternalID: "27205", Title: "Inception"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := p.Dispatcher.Dispatch(ctx, req.ID); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if p.Backend.Name() != "memory" {
		t.Fatalf("backend = %s", p.Backend.Name())
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestApplyConfigKeepsPolicyOnInvalidUpdate(t *testing.T) {
	cfg := testConfig(t)
	p, err := Open(cfg, logger.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	next := *cfg
	next.Pipeline.MaxRetries = 4
	p.ApplyConfig(&next)
	if p.Policy.Get().MaxRetries != 4 {
		t.Fatalf("MaxRetries = %d, want 4", p.Policy.Get().MaxRetries)
	}

	bad := *cfg
	bad.Pipeline.SignalTimeout = 0
	p.ApplyConfig(&bad)
	if p.Policy.Get().SignalTimeout != time.Hour {
		t.Fatalf("invalid policy applied")
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend.Type = "sqs"
	if _, err := Open(cfg, logger.NewNop()); err == nil {
		t.Fatalf("unknown backend accepted")
	}
}
