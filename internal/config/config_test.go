// ABOUTME: Tests for configuration loading and validation
// ABOUTME: Covers YAML parsing, env expansion, duration parsing, and defaults

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

const minimalConfig = `
server:
  http_addr: ":8080"
database:
  path: "./data/bot.db"
plans:
  basic:
    channels: [whatsapp]
    monthly_responses: 500
`

func TestLoad_Minimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.HTTPAddr != ":8080" {
		t.Errorf("http_addr: got %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Path != "./data/bot.db" {
		t.Errorf("database path: got %q", cfg.Database.Path)
	}
	plan, ok := cfg.Plans["basic"]
	if !ok {
		t.Fatal("basic plan missing")
	}
	if plan.MonthlyResponses != 500 || len(plan.Channels) != 1 || plan.Channels[0] != "whatsapp" {
		t.Errorf("plan parsed wrong: %+v", plan)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Engine.InactivityWindow != 30*time.Minute {
		t.Errorf("inactivity_window default: got %v", cfg.Engine.InactivityWindow)
	}
	if cfg.Engine.SweepInterval != 5*time.Minute {
		t.Errorf("sweep_interval default: got %v", cfg.Engine.SweepInterval)
	}
	if cfg.Engine.RequestDeadline != 10*time.Second {
		t.Errorf("request_deadline default: got %v", cfg.Engine.RequestDeadline)
	}
	if cfg.Dedupe.TTL != 2*time.Minute {
		t.Errorf("dedupe ttl default: got %v", cfg.Dedupe.TTL)
	}
	if cfg.Dedupe.MaxSize != 10000 {
		t.Errorf("dedupe max_size default: got %d", cfg.Dedupe.MaxSize)
	}
}

func TestLoad_Durations(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "./bot.db"
engine:
  inactivity_window: "45m"
  sweep_interval: "1m"
  request_deadline: "5s"
dedupe:
  ttl: "90s"
  max_size: 500
plans:
  basic:
    channels: [whatsapp, facebook]
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Engine.InactivityWindow != 45*time.Minute {
		t.Errorf("inactivity_window: got %v", cfg.Engine.InactivityWindow)
	}
	if cfg.Engine.SweepInterval != time.Minute {
		t.Errorf("sweep_interval: got %v", cfg.Engine.SweepInterval)
	}
	if cfg.Engine.RequestDeadline != 5*time.Second {
		t.Errorf("request_deadline: got %v", cfg.Engine.RequestDeadline)
	}
	if cfg.Dedupe.TTL != 90*time.Second {
		t.Errorf("dedupe ttl: got %v", cfg.Dedupe.TTL)
	}
	if cfg.Dedupe.MaxSize != 500 {
		t.Errorf("dedupe max_size: got %d", cfg.Dedupe.MaxSize)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "./bot.db"
engine:
  inactivity_window: "treinta minutos"
plans:
  basic:
    channels: [whatsapp]
`))
	if err == nil || !strings.Contains(err.Error(), "inactivity_window") {
		t.Errorf("want inactivity_window parse error, got %v", err)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("BOT_DB_PATH", "/var/lib/bot/bot.db")

	cfg, err := Load(writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "${BOT_DB_PATH}"
plans:
  basic:
    channels: [whatsapp]
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Path != "/var/lib/bot/bot.db" {
		t.Errorf("env expansion: got %q", cfg.Database.Path)
	}
}

func TestLoad_UnsetEnvExpandsEmpty(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "${DEFINITELY_NOT_SET_ANYWHERE}"
plans:
  basic:
    channels: [whatsapp]
`))
	// Empty path fails validation, which is the observable consequence.
	if err == nil || !strings.Contains(err.Error(), "database.path") {
		t.Errorf("want database.path validation error, got %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("want error for missing file")
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantIn  string
	}{
		{
			name: "missing http_addr",
			content: `
database:
  path: "./bot.db"
plans:
  basic:
    channels: [whatsapp]
`,
			wantIn: "http_addr",
		},
		{
			name: "no plans",
			content: `
server:
  http_addr: ":8080"
database:
  path: "./bot.db"
`,
			wantIn: "plan",
		},
		{
			name: "plan without channels",
			content: `
server:
  http_addr: ":8080"
database:
  path: "./bot.db"
plans:
  basic:
    monthly_responses: 100
`,
			wantIn: "channels",
		},
		{
			name: "negative responses",
			content: `
server:
  http_addr: ":8080"
database:
  path: "./bot.db"
plans:
  basic:
    channels: [whatsapp]
    monthly_responses: -1
`,
			wantIn: "monthly_responses",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantIn) {
				t.Errorf("want error containing %q, got %v", tt.wantIn, err)
			}
		})
	}
}
