package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/urfave/cli/v3"

	"github.com/basket/remindbot/internal/audit"
	"github.com/basket/remindbot/internal/channels"
	"github.com/basket/remindbot/internal/config"
	"github.com/basket/remindbot/internal/dialog"
	"github.com/basket/remindbot/internal/gateway"
	"github.com/basket/remindbot/internal/llm"
)

// drainTimeout bounds how long shutdown waits for in-flight turns.
const drainTimeout = 15 * time.Second

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Receive Telegram messages and send due-soon reminders (default)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "bind",
				Usage: "Address for the webhook server, overrides bind_addr",
			},
			&cli.BoolFlag{
				Name:  "polling",
				Usage: "Long-poll getUpdates instead of serving a webhook",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	a, err := openApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if cmd.IsSet("bind") {
		a.cfg.BindAddr = cmd.String("bind")
	}
	if cmd.Bool("polling") {
		a.cfg.Telegram.Mode = config.TelegramModePolling
	}
	cfg := a.cfg

	gw, err := llm.New(ctx, llm.Config{
		Provider: cfg.LLM.Provider,
		BaseURL:  cfg.LLM.BaseURL,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		Timeout:  cfg.LLMTimeout(),
		Logger:   a.logger,
		Tracer:   a.otel.Tracer,
		Metrics:  a.metrics,
	})
	if err != nil {
		return startupErr(a.logger, "E_LLM_INIT", err)
	}
	a.logger.Info("startup phase", "phase", "llm_ready", "model", gw.ModelName())

	bot, err := a.connectTelegram()
	if err != nil {
		return err
	}
	sender := channels.NewTelegramSender(bot, a.logger)

	orch := dialog.New(dialog.Config{
		Store:             a.store,
		LLM:               gw,
		Replies:           sender,
		Prompts:           a.prompts,
		Logger:            a.logger,
		Location:          cfg.Location(),
		MaxMessageLength:  cfg.MaxMessageLength,
		ValidationRetries: cfg.ValidationRetries,
		TurnTimeout:       cfg.TurnTimeout(),
		Tracer:            a.otel.Tracer,
		Metrics:           a.metrics,
	})
	dispatcher := channels.NewDispatcher(orch, cfg.MaxInflight, a.logger)

	if cfg.Notifier.Enabled {
		notifier, err := a.newNotifier(sender)
		if err != nil {
			return err
		}
		notifier.Start(ctx)
		defer notifier.Stop()
		a.logger.Info("startup phase", "phase", "notifier_started", "schedule", cfg.Notifier.Schedule)
	}

	watcher := config.NewWatcher(cfg.HomeDir, a.logger)
	if err := watcher.Start(ctx); err != nil {
		return startupErr(a.logger, "E_CONFIG_WATCHER_START", err)
	}
	go a.watchReloads(watcher.Events())
	go a.logEvents(ctx)

	recorder, err := audit.Open(cfg.HomeDir)
	if err != nil {
		return startupErr(a.logger, "E_AUDIT_INIT", err)
	}
	defer recorder.Close()
	go recorder.Run(ctx, a.bus)

	if cfg.Telegram.Mode == config.TelegramModePolling {
		return servePolling(ctx, a, bot, dispatcher)
	}
	return serveWebhook(ctx, a, bot, dispatcher)
}

func serveWebhook(ctx context.Context, a *app, bot *tgbotapi.BotAPI, dispatcher *channels.Dispatcher) error {
	cfg := a.cfg
	srv := gateway.New(gateway.Config{
		Store:             a.store,
		Dispatcher:        dispatcher,
		Logger:            a.logger,
		Tracer:            a.otel.Tracer,
		Metrics:           a.metrics,
		BindAddr:          cfg.BindAddr,
		WebhookPath:       cfg.Telegram.WebhookPath,
		ConfigFingerprint: cfg.Fingerprint(),
	})

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return startupErr(a.logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Serve(ln)
	}()

	if cfg.Telegram.WebhookURL != "" {
		if err := channels.RegisterWebhook(bot, cfg.Telegram.WebhookURL); err != nil {
			a.logger.Error("telegram webhook registration failed", "host", webhookHost(cfg.Telegram.WebhookURL), "error", err)
		} else {
			a.logger.Info("startup phase", "phase", "webhook_registered", "host", webhookHost(cfg.Telegram.WebhookURL))
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			a.logger.Error("gateway server error", "error", err)
			runErr = fmt.Errorf("gateway server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("gateway shutdown incomplete", "error", err)
	}
	a.logger.Info("shutdown complete")
	return runErr
}

func servePolling(ctx context.Context, a *app, bot *tgbotapi.BotAPI, dispatcher *channels.Dispatcher) error {
	var ch channels.Channel = channels.NewTelegramChannel(bot, dispatcher, a.logger)
	a.logger.Info("startup phase", "phase", "channel_started", "channel", ch.Name())
	err := ch.Start(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("telegram polling failed", "error", err)
	} else {
		a.logger.Info("shutdown signal received")
		err = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if werr := dispatcher.Wait(shutdownCtx); werr != nil {
		a.logger.Warn("shutdown: messages still in flight", "inflight", dispatcher.Inflight())
	}
	a.logger.Info("shutdown complete")
	return err
}

// webhookHost keeps the secret path of a webhook URL out of the logs.
func webhookHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid"
	}
	return u.Host
}
