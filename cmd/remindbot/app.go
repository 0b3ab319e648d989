package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/basket/remindbot/internal/bus"
	"github.com/basket/remindbot/internal/channels"
	"github.com/basket/remindbot/internal/config"
	"github.com/basket/remindbot/internal/notify"
	otelPkg "github.com/basket/remindbot/internal/otel"
	"github.com/basket/remindbot/internal/persistence"
	"github.com/basket/remindbot/internal/prompts"
	"github.com/basket/remindbot/internal/telemetry"
)

// app holds the components shared by the long-running and one-shot commands.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	otel    *otelPkg.Provider
	metrics *otelPkg.Metrics
	bus     *bus.Bus
	store   *persistence.Store
	prompts *prompts.Set

	closers []func()
}

func openApp(ctx context.Context, cmd *cli.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, startupErr(nil, "E_CONFIG_LOAD", err)
	}

	a := &app{cfg: cfg}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		return nil, startupErr(nil, "E_LOGGER_INIT", err)
	}
	a.logger = logger
	a.closers = append(a.closers, func() { _ = closer.Close() })
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())

	if cfg.NeedsGenesis {
		if err := writeStarterConfig(cfg); err != nil {
			a.Close()
			return nil, startupErr(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("starter config.yaml written", "path", config.ConfigPath(cfg.HomeDir))
	}

	provider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		a.Close()
		return nil, startupErr(logger, "E_OTEL_INIT", err)
	}
	a.otel = provider
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	})
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		a.Close()
		return nil, startupErr(logger, "E_OTEL_INIT", err)
	}
	a.metrics = metrics

	a.bus = bus.New()
	store, err := persistence.Open(config.DBPath(cfg.HomeDir), a.bus)
	if err != nil {
		a.Close()
		return nil, startupErr(logger, "E_STORE_OPEN", err)
	}
	a.store = store
	a.closers = append(a.closers, func() { _ = store.Close() })
	logger.Info("startup phase", "phase", "schema_migrated")

	set, err := prompts.Load(config.PromptsDir(cfg.HomeDir), logger)
	if err != nil {
		a.Close()
		return nil, startupErr(logger, "E_PROMPTS_LOAD", err)
	}
	a.prompts = set
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) connectTelegram() (*tgbotapi.BotAPI, error) {
	bot, err := channels.NewBot(a.cfg.Telegram.Token, a.cfg.Telegram.APIEndpoint)
	if err != nil {
		return nil, startupErr(a.logger, "E_TELEGRAM_INIT", err)
	}
	a.logger.Info("startup phase", "phase", "telegram_connected", "bot", bot.Self.UserName)
	return bot, nil
}

func (a *app) newNotifier(sender notify.Sender) (*notify.Notifier, error) {
	n, err := notify.New(notify.Config{
		Store:    a.store,
		Replies:  sender,
		Bus:      a.bus,
		Logger:   a.logger,
		Metrics:  a.metrics,
		Schedule: a.cfg.Notifier.Schedule,
		Window:   a.cfg.NotifierWindow(),
		Location: a.cfg.Location(),
	})
	if err != nil {
		return nil, startupErr(a.logger, "E_NOTIFIER_INIT", err)
	}
	return n, nil
}

// watchReloads applies prompt overrides live. Config edits are validated and
// reported; they take effect on restart.
func (a *app) watchReloads(events <-chan config.ReloadEvent) {
	for ev := range events {
		switch ev.Kind {
		case config.ReloadPrompt:
			if err := a.prompts.Reload(); err != nil {
				a.logger.Error("prompt reload failed", "path", ev.Path, "error", err)
			}
		case config.ReloadConfig:
			next, err := config.LoadFrom(a.cfg.HomeDir)
			if err != nil {
				a.logger.Error("config.yaml change rejected", "error", err)
				continue
			}
			if next.Fingerprint() != a.cfg.Fingerprint() {
				a.logger.Warn("config.yaml changed, restart to apply",
					"running", a.cfg.Fingerprint(), "on_disk", next.Fingerprint())
			}
		}
	}
}

// logEvents mirrors bus traffic into the debug log.
func (a *app) logEvents(ctx context.Context) {
	sub := a.bus.Subscribe()
	defer a.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			a.logger.Debug("bus event", "topic", ev.Topic, "payload", fmt.Sprintf("%+v", ev.Payload))
		}
	}
}

// writeStarterConfig persists cfg as config.yaml with secrets left blank;
// they are expected to come from the environment.
func writeStarterConfig(cfg config.Config) error {
	cfg.Telegram.Token = ""
	cfg.LLM.APIKey = ""
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(config.ConfigPath(cfg.HomeDir), data, 0o600); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}
