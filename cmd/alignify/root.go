package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
)

// cli carries what every subcommand needs once flags are parsed.
type cli struct {
	deps   cliDeps
	stdout io.Writer
	stderr io.Writer

	debug     bool
	logFormat string
	logger    *slog.Logger
}

func newRootCmd(deps cliDeps, stdout, stderr io.Writer) *cobra.Command {
	c := &cli{deps: deps, stdout: stdout, stderr: stderr}

	cmd := &cobra.Command{
		Use:           "alignify",
		Short:         "Alignify pose coaching gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			logger, err := newLogger(c.stderr, c.logFormat, c.debug)
			if err != nil {
				return err
			}
			c.logger = logger
			return nil
		},
	}

	cmd.PersistentFlags().BoolVar(&c.debug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().StringVar(&c.logFormat, "log-format", "text", "log format: text or json")

	cmd.AddCommand(
		serveCmd(c),
		replayCmd(c),
		calibrationCmd(c),
		migrateCmd(c),
	)
	return cmd
}

func newLogger(w io.Writer, format string, debug bool) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unsupported --log-format %q (want text or json)", format)
	}
}
