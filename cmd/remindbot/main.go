package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/basket/remindbot/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, "ignoring .env:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().Run(ctx, os.Args); err != nil {
		var se *startupError
		if errors.As(err, &se) {
			fatalStartup(se.logger, se.code, se.err)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:    "remindbot",
		Usage:   "Telegram reminder bot driven by an LLM",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "home",
				Usage: "Home directory holding config.yaml, prompts, logs and the database",
				Value: config.HomeDir(),
			},
		},
		Action: runServe,
		Commands: []*cli.Command{
			newServeCommand(),
			newNotifyCommand(),
			newMigrateCommand(),
			newDoctorCommand(),
			newStatusCommand(),
			newVersionCommand(),
		},
	}
}

func newVersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the build version",
		Action: func(_ context.Context, cmd *cli.Command) error {
			_, err := fmt.Fprintf(cmd.Root().Writer, "remindbot %s\n", Version)
			return err
		},
	}
}

func loadConfig(cmd *cli.Command) (config.Config, error) {
	return config.LoadFrom(cmd.String("home"))
}

// startupError carries a reason code out of a command so main can report
// it after deferred cleanup has run.
type startupError struct {
	logger *slog.Logger
	code   string
	err    error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func startupErr(logger *slog.Logger, code string, err error) error {
	return &startupError{logger: logger, code: code, err: err}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"time":"%s","level":"ERROR","component":"remindbot","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv applies path when it exists. Variables already present in the
// environment keep their values.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
