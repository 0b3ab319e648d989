package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/remindbot/internal/config"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.Writer = &out
	root.ErrWriter = &out
	err := root.Run(context.Background(), append([]string{"remindbot"}, args...))
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if out != "remindbot "+Version+"\n" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestMigrateCommand(t *testing.T) {
	home := t.TempDir()
	out, err := runCLI(t, "--home", home, "migrate")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, "schema version") {
		t.Fatalf("unexpected output %q", out)
	}
	if _, err := os.Stat(config.DBPath(home)); err != nil {
		t.Fatalf("expected database file: %v", err)
	}

	// A second run finds nothing to apply and reports the same version.
	again, err := runCLI(t, "--home", home, "migrate")
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if again != out {
		t.Fatalf("version changed between runs: %q vs %q", out, again)
	}
}

func TestMigrateCommand_BadConfigIsStartupError(t *testing.T) {
	t.Setenv("REMINDBOT_TIMEZONE", "")
	home := t.TempDir()
	if err := os.WriteFile(config.ConfigPath(home), []byte("timezone: Mars/Olympus\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := runCLI(t, "--home", home, "migrate")
	var se *startupError
	if !errors.As(err, &se) || se.code != "E_CONFIG_LOAD" {
		t.Fatalf("expected E_CONFIG_LOAD startup error, got %v", err)
	}
}

func TestWriteStarterConfig_OmitsSecrets(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "123:secret")
	t.Setenv("LLM_API_KEY", "sk-secret")
	home := t.TempDir()

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis without config.yaml")
	}
	if err := writeStarterConfig(cfg); err != nil {
		t.Fatalf("write starter config: %v", err)
	}

	data, err := os.ReadFile(config.ConfigPath(home))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if strings.Contains(string(data), "secret") {
		t.Fatalf("starter config leaks secrets:\n%s", data)
	}

	reloaded, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.NeedsGenesis || reloaded.Fingerprint() != cfg.Fingerprint() {
		t.Fatalf("reloaded config differs: %+v", reloaded)
	}
}

func TestHealthURL(t *testing.T) {
	cases := map[string]string{
		"":                    "http://127.0.0.1:8080/healthz",
		"127.0.0.1:9000":      "http://127.0.0.1:9000/healthz",
		"0.0.0.0:9000":        "http://127.0.0.1:9000/healthz",
		":9000":               "http://127.0.0.1:9000/healthz",
		"[::1]:9000":          "http://[::1]:9000/healthz",
		"http://bot.local/":   "http://bot.local/healthz",
		"https://bot.example": "https://bot.example/healthz",
	}
	for in, want := range cases {
		if got := healthURL(in); got != want {
			t.Fatalf("healthURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	body := "# comment\nTELEGRAM_TOKEN=123:from-file\nREMINDBOT_TIMEZONE = \"Europe/Berlin\"\nLLM_API_KEY=sk-from-file\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	// t.Setenv restores the originals; unset so the file can supply them.
	t.Setenv("TELEGRAM_TOKEN", "")
	os.Unsetenv("TELEGRAM_TOKEN")
	t.Setenv("REMINDBOT_TIMEZONE", "")
	os.Unsetenv("REMINDBOT_TIMEZONE")
	t.Setenv("LLM_API_KEY", "sk-from-shell")

	if err := loadDotEnv(path); err != nil {
		t.Fatalf("load .env: %v", err)
	}
	if got := os.Getenv("TELEGRAM_TOKEN"); got != "123:from-file" {
		t.Fatalf("TELEGRAM_TOKEN = %q", got)
	}
	if got := os.Getenv("REMINDBOT_TIMEZONE"); got != "Europe/Berlin" {
		t.Fatalf("REMINDBOT_TIMEZONE = %q", got)
	}
	if got := os.Getenv("LLM_API_KEY"); got != "sk-from-shell" {
		t.Fatalf("LLM_API_KEY = %q, the shell value must win", got)
	}
}

func TestLoadDotEnv_MissingFileIsIgnored(t *testing.T) {
	if err := loadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}
}

func TestWebhookHost(t *testing.T) {
	if got := webhookHost("https://bot.example.com/telegram/webhook/s3cr3t"); got != "bot.example.com" {
		t.Fatalf("unexpected host %q", got)
	}
}
