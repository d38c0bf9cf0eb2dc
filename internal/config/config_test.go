package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/subastamon/subastamon/internal/config"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
		check   func(t *testing.T, cfg *config.Config)
	}{
		{
			name: "valid full config",
			yaml: `
mode: "direct-http"
portal:
  base_url: "https://portal.example.gob.ar"
  auction_url: "https://portal.example.gob.ar/subasta/123"
poll:
  base_cadence: 2s
  concurrent_requests: 10
database:
  path: "/var/lib/subastamon/monitor.db"
server:
  port: 9090
telemetry:
  service_name: "my-monitor"
  otlp_endpoint: "localhost:4318"
`,
			wantErr: false,
			check: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				if cfg.Mode != "direct-http" {
					t.Errorf("got mode %q, want %q", cfg.Mode, "direct-http")
				}
				if cfg.Poll.BaseCadence != 2*time.Second {
					t.Errorf("got base cadence %v, want 2s", cfg.Poll.BaseCadence)
				}
				if cfg.Poll.ConcurrentRequests != 10 {
					t.Errorf("got concurrent_requests %d, want 10", cfg.Poll.ConcurrentRequests)
				}
				if cfg.Server.Port != 9090 {
					t.Errorf("got server port %d, want %d", cfg.Server.Port, 9090)
				}
				if cfg.Telemetry.ServiceName != "my-monitor" {
					t.Errorf("got service name %q, want %q", cfg.Telemetry.ServiceName, "my-monitor")
				}
			},
		},
		{
			name: "defaults applied",
			yaml: `
portal:
  base_url: "https://portal.example.gob.ar"
`,
			wantErr: false,
			check: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				if cfg.Mode != "browser" {
					t.Errorf("got mode %q, want %q", cfg.Mode, "browser")
				}
				if cfg.Poll.ConcurrentRequests != 5 {
					t.Errorf("got concurrent_requests %d, want 5", cfg.Poll.ConcurrentRequests)
				}
				if cfg.Security.MaxErrorStreak != 10 {
					t.Errorf("got max_error_streak %d, want 10", cfg.Security.MaxErrorStreak)
				}
				if cfg.Security.BackoffCeiling != 30*time.Second {
					t.Errorf("got backoff_ceiling %v, want 30s", cfg.Security.BackoffCeiling)
				}
				if cfg.Engine.AggregateWindow != 30*time.Second {
					t.Errorf("got aggregate_window %v, want 30s", cfg.Engine.AggregateWindow)
				}
				if cfg.Database.Path != "subastamon.db" {
					t.Errorf("got db path %q", cfg.Database.Path)
				}
				if cfg.Telemetry.ServiceName != "subastamon" {
					t.Errorf("got service name %q, want %q", cfg.Telemetry.ServiceName, "subastamon")
				}
			},
		},
		{
			name:    "invalid yaml",
			yaml:    `{{{invalid`,
			wantErr: true,
		},
		{
			name: "invalid mode rejected",
			yaml: `
mode: "telepathy"
`,
			wantErr: true,
		},
		{
			name: "concurrent requests above cap rejected",
			yaml: `
poll:
  concurrent_requests: 31
`,
			wantErr: true,
		},
		{
			name: "min margin pct above hundred rejected",
			yaml: `
engine:
  default_min_margin_pct: 130
`,
			wantErr: true,
		},
		{
			name: "relaxed cadence defaults to max of 1s and base",
			yaml: `
poll:
  base_cadence: 2s
`,
			wantErr: false,
			check: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				if cfg.Poll.RelaxedCadence != 2*time.Second {
					t.Errorf("got relaxed cadence %v, want 2s", cfg.Poll.RelaxedCadence)
				}
			},
		},
		{
			name: "base cadence below floor rejected",
			yaml: `
poll:
  base_cadence: 100ms
`,
			wantErr: true,
		},
		{
			name: "mock mode requires scenario",
			yaml: `
mode: "mock"
`,
			wantErr: true,
		},
		{
			name: "mock mode with scenario accepted",
			yaml: `
mode: "mock"
mock:
  scenario_path: "testdata/scenario.json"
`,
			wantErr: false,
			check: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				if cfg.Mock.ScenarioPath != "testdata/scenario.json" {
					t.Errorf("got scenario path %q", cfg.Mock.ScenarioPath)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}

			cfg, err := config.Load(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil && cfg != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := config.Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}
