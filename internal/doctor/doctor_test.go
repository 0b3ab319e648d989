package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/remindbot/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{
		HomeDir: home,
		LLM:     config.LLMConfig{BaseURL: "http://localhost:1/v1", APIKey: "k"},
		Telegram: config.TelegramConfig{
			Token: "t",
		},
	}
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if !d.Failed() {
		t.Fatal("expected a failed diagnosis for nil config")
	}
	for _, r := range d.Results[1:] {
		if r.Status != StatusSkip {
			t.Fatalf("expected %s to be skipped, got %s", r.Name, r.Status)
		}
	}
}

func TestCheckConfig_NeedsGenesis(t *testing.T) {
	cfg := testConfig(t)
	cfg.NeedsGenesis = true
	if got := checkConfig(context.Background(), cfg); got.Status != StatusWarn {
		t.Fatalf("expected WARN, got %+v", got)
	}
}

func TestCheckCredentials(t *testing.T) {
	cfg := testConfig(t)
	if got := checkCredentials(context.Background(), cfg); got.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", got)
	}
	cfg.Telegram.Token = ""
	cfg.LLM.APIKey = " "
	got := checkCredentials(context.Background(), cfg)
	if got.Status != StatusFail || got.Message != "Missing TELEGRAM_TOKEN, LLM_API_KEY" {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestCheckDatabase(t *testing.T) {
	cfg := testConfig(t)
	got := checkDatabase(context.Background(), cfg)
	if got.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", got)
	}
	if _, err := os.Stat(config.DBPath(cfg.HomeDir)); err != nil {
		t.Fatalf("expected database file: %v", err)
	}
}

func TestCheckPrompts_ReportsOverrides(t *testing.T) {
	cfg := testConfig(t)
	if got := checkPrompts(context.Background(), cfg); got.Status != StatusPass || got.Detail != "" {
		t.Fatalf("unexpected result %+v", got)
	}

	dir := config.PromptsDir(cfg.HomeDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "classify.md"), []byte("Classify {{now}}"), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}
	got := checkPrompts(context.Background(), cfg)
	if got.Status != StatusPass || got.Detail != "classify" {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestCheckNetwork_InvalidBaseURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.BaseURL = "::not a url"
	if got := checkNetwork(context.Background(), cfg); got.Status != StatusFail {
		t.Fatalf("expected FAIL, got %+v", got)
	}
}

func TestCheckNetwork_CanceledContext(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.BaseURL = "https://api.openai.com/v1"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if got := checkNetwork(ctx, cfg); got.Status != StatusFail {
		t.Fatalf("expected FAIL for canceled context, got %s", got.Status)
	}
}
