package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/basket/remindbot/internal/channels"
	"github.com/basket/remindbot/internal/shared"
)

func newNotifyCommand() *cli.Command {
	return &cli.Command{
		Name:   "notify",
		Usage:  "Run a single due-soon reminder pass and exit",
		Action: runNotify,
	}
}

func runNotify(ctx context.Context, cmd *cli.Command) error {
	a, err := openApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	bot, err := a.connectTelegram()
	if err != nil {
		return err
	}
	notifier, err := a.newNotifier(channels.NewTelegramSender(bot, a.logger))
	if err != nil {
		return err
	}

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	sent, err := notifier.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	_, err = fmt.Fprintf(cmd.Root().Writer, "sent %d reminder(s)\n", sent)
	return err
}
