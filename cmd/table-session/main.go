package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"table-session/internal/common/config"
	"table-session/internal/common/logger"
)

// app is what every subcommand shares once the root pre-run has loaded it.
type app struct {
	configPath string
	verbose    bool

	cfg config.App
	lg  *logger.Logger
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "table-session",
		Short: "QR table sessions: table-api, realtime gateway and guest session tools",
		Long: `table-session runs the two backend services a dine-in guest talks to
and a guest-side session for resolving scans and following table events.

  serve-api      QR lookup and menu REST api
  serve-gateway  realtime WebSocket gateway bridged to RabbitMQ
  serve          both services in one process
  resolve        resolve a scanned code into a table session
  listen         follow the table and restaurant rooms
  mute           toggle or show notification preferences
  recover        show what a cold start would recover`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.lg != nil {
				a.lg.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to YAML config (default: config.yaml, config.yml or deploy/config.example.yaml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		a.serveAPICmd(),
		a.serveGatewayCmd(),
		a.serveCmd(),
		a.resolveCmd(),
		a.listenCmd(),
		a.muteCmd(),
		a.recoverCmd(),
		a.forgetCmd(),
	)
	return root
}

// load reads the config file, or falls back to defaults when none is found
// and none was asked for.
func (a *app) load() error {
	path := a.configPath
	if path == "" {
		p, err := config.FindConfig()
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		path = p
	}

	cfg := config.Default()
	if path != "" {
		c, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		cfg = c
	}
	a.cfg = cfg

	opts := logger.Options{Level: cfg.Logging.Level, Development: cfg.Logging.Development}
	if a.verbose {
		opts.Level = "debug"
	}
	a.lg = logger.NewWithOptions("table-session", opts)
	return nil
}
