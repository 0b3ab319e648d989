package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/basket/remindbot/internal/doctor"
)

func newDoctorCommand() *cli.Command {
	return &cli.Command{
		Name:  "doctor",
		Usage: "Check configuration, credentials, database and connectivity",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print the report as JSON",
			},
		},
		Action: runDoctor,
	}
}

func runDoctor(ctx context.Context, cmd *cli.Command) error {
	out := cmd.Root().Writer
	cfg, err := loadConfig(cmd)
	if err != nil {
		// Keep going; the report shows what is broken.
		fmt.Fprintf(cmd.Root().ErrWriter, "Error loading config: %v\n", err)
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if cmd.Bool("json") {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
	} else {
		printDiagnosis(out, diag)
	}

	if diag.Failed() {
		return cli.Exit("", 1)
	}
	return nil
}

func printDiagnosis(w io.Writer, diag doctor.Diagnosis) {
	fmt.Fprintf(w, "remindbot doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(w, "---")

	failCount := 0
	for _, res := range diag.Results {
		if res.Status == doctor.StatusFail {
			failCount++
		}
		fmt.Fprintf(w, "[%s] %-12s: %s\n", res.Status, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "    %s\n", res.Detail)
		}
	}
	fmt.Fprintln(w, "---")
	if failCount > 0 {
		fmt.Fprintf(w, "%d check(s) failed\n", failCount)
		return
	}
	fmt.Fprintln(w, "all checks passed")
}
