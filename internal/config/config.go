package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/basket/remindbot/internal/otel"
)

const (
	TelegramModeWebhook = "webhook"
	TelegramModePolling = "polling"
)

// LLMConfig points the gateway at an OpenAI-compatible endpoint.
type LLMConfig struct {
	// Provider is the model name prefix registered with the genkit plugin.
	Provider       string `yaml:"provider"`
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type TelegramConfig struct {
	Token string `yaml:"token"`
	// Mode is "webhook" (default) or "polling".
	Mode        string `yaml:"mode"`
	WebhookPath string `yaml:"webhook_path"`
	// APIEndpoint overrides the Bot API URL template, e.g. for a local
	// Bot API server. Empty means api.telegram.org.
	APIEndpoint string `yaml:"api_endpoint"`
	// WebhookURL, when set in webhook mode, is registered with Telegram at
	// startup. It must point at WebhookPath on a public address.
	WebhookURL string `yaml:"webhook_url"`
}

type NotifierConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	WindowSeconds int    `yaml:"window_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	BindAddr string `yaml:"bind_addr"`
	// Timezone is the IANA zone used to interpret and render deadlines.
	Timezone string `yaml:"timezone"`

	MaxMessageLength   int `yaml:"max_message_length"`
	TurnTimeoutSeconds int `yaml:"turn_timeout_seconds"`
	ValidationRetries  int `yaml:"validation_retries"`
	MaxInflight        int `yaml:"max_inflight"`

	LLM       LLMConfig      `yaml:"llm"`
	Telegram  TelegramConfig `yaml:"telegram"`
	Notifier  NotifierConfig `yaml:"notifier"`
	Telemetry otel.Config    `yaml:"telemetry"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PromptsDir returns the directory holding prompt overrides.
func PromptsDir(homeDir string) string {
	return filepath.Join(homeDir, "prompts")
}

// DBPath returns the SQLite database path.
func DBPath(homeDir string) string {
	return filepath.Join(homeDir, "remindbot.db")
}

// Location resolves Timezone. Load has already validated it.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c Config) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutSeconds) * time.Second
}

func (c Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

func (c Config) NotifierWindow() time.Duration {
	return time.Duration(c.Notifier.WindowSeconds) * time.Second
}

// Fingerprint returns a stable hash of the settings that change runtime behavior.
// Secrets are excluded.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|tz=%s|maxlen=%d|turn=%d|retries=%d|model=%s|base=%s|mode=%s|sched=%s",
		c.BindAddr, c.LogLevel, c.Timezone, c.MaxMessageLength, c.TurnTimeoutSeconds,
		c.ValidationRetries, c.LLM.Model, c.LLM.BaseURL, c.Telegram.Mode, c.Notifier.Schedule)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:           "info",
		BindAddr:           "127.0.0.1:8080",
		Timezone:           "UTC",
		MaxMessageLength:   1000,
		TurnTimeoutSeconds: 90,
		ValidationRetries:  1,
		MaxInflight:        32,
		LLM: LLMConfig{
			Provider:       "openai",
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			TimeoutSeconds: 60,
		},
		Telegram: TelegramConfig{
			Mode:        TelegramModeWebhook,
			WebhookPath: "/telegram/webhook",
		},
		Notifier: NotifierConfig{
			Enabled:       true,
			Schedule:      "* * * * *",
			WindowSeconds: 60,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("REMINDBOT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".remindbot")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml over the defaults, applies env
// overrides, then normalizes and validates the result.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create remindbot home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.NeedsGenesis = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8080"
	}
	if strings.TrimSpace(cfg.Timezone) == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 1000
	}
	if cfg.TurnTimeoutSeconds <= 0 {
		cfg.TurnTimeoutSeconds = 90
	}
	if cfg.ValidationRetries < 0 {
		cfg.ValidationRetries = 0
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 32
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	cfg.LLM.BaseURL = strings.TrimRight(cfg.LLM.BaseURL, "/")
	if cfg.LLM.TimeoutSeconds <= 0 {
		cfg.LLM.TimeoutSeconds = 60
	}
	cfg.Telegram.Mode = strings.ToLower(strings.TrimSpace(cfg.Telegram.Mode))
	if cfg.Telegram.Mode == "" {
		cfg.Telegram.Mode = TelegramModeWebhook
	}
	if cfg.Telegram.WebhookPath == "" {
		cfg.Telegram.WebhookPath = "/telegram/webhook"
	}
	if !strings.HasPrefix(cfg.Telegram.WebhookPath, "/") {
		cfg.Telegram.WebhookPath = "/" + cfg.Telegram.WebhookPath
	}
	if strings.TrimSpace(cfg.Notifier.Schedule) == "" {
		cfg.Notifier.Schedule = "* * * * *"
	}
	if cfg.Notifier.WindowSeconds <= 0 {
		cfg.Notifier.WindowSeconds = 60
	}
}

func validate(cfg Config) error {
	var errs []error
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", cfg.Timezone, err))
	}
	switch cfg.Telegram.Mode {
	case TelegramModeWebhook, TelegramModePolling:
	default:
		errs = append(errs, fmt.Errorf("telegram.mode %q: must be %q or %q", cfg.Telegram.Mode, TelegramModeWebhook, TelegramModePolling))
	}
	if _, err := cron.ParseStandard(cfg.Notifier.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("notifier.schedule %q: %w", cfg.Notifier.Schedule, err))
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("REMINDBOT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("REMINDBOT_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("REMINDBOT_TIMEZONE"); raw != "" {
		cfg.Timezone = raw
	}
	if raw := os.Getenv("REMINDBOT_MAX_MESSAGE_LENGTH"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxMessageLength = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
	if raw := os.Getenv("LLM_API_KEY"); raw != "" {
		cfg.LLM.APIKey = raw
	}
	if raw := os.Getenv("LLM_BASE_URL"); raw != "" {
		cfg.LLM.BaseURL = raw
	}
	if raw := os.Getenv("LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
}
