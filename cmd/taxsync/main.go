package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yourorg/taxsync/internal/app"
	"github.com/yourorg/taxsync/internal/config"
	"github.com/yourorg/taxsync/internal/logging"
	"github.com/yourorg/taxsync/internal/store"
)

const defaultConfigContent = `portal:
  base_url: "https://www4.sii.cl"
  token_cookie: "TOKEN"
  internal_id_param: "codigo"
  retry_after: 15m

browser:
  headless: true
  no_sandbox: false
  login_timeout: 20s
  poll_interval: 1s

extraction:
  high_volume_types: ["39", "41"]
  internal_id_types: []
  concurrency: 3
  period_concurrency: 2
  requests_per_second: 2
  max_retries: 3
  click_attempts: 5
  click_budget: 10s
  step_attempts: 2
  flush_timeout: 30s

session:
  max_age: 2h
  cache_ttl: 10m

snapshots:
  enabled: true

filter:
  ignore_extensions: [".js", ".css", ".png", ".jpg", ".gif", ".svg", ".woff", ".woff2", ".ico", ".map"]
  ignore_paths: ["/static/", "/assets/", "/favicon"]
  volatile_fields: ["transactionId"]

sanitize:
  headers: ["Authorization", "Cookie", "Set-Cookie", "X-Portal-Token"]
  body_fields: ["clave", "rutcntr", "password", "secret", "token", "conversationId"]
  replacement: "***REDACTED***"

server:
  host: "127.0.0.1"
  port: 3000

log:
  level: "info"
  format: "json"
`

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globals struct {
	cfgPath string
	debug   bool
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "taxsync",
		Short:         "Tax portal session and document synchronization",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.cfgPath, "config", "", "config file path")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "enable debug logging")

	root.AddCommand(newInitCmd())
	root.AddCommand(newRunCmd(g))
	root.AddCommand(newLoginCmd(g))
	root.AddCommand(newLogoutCmd(g))
	root.AddCommand(newSessionsCmd(g))
	root.AddCommand(newSnapshotsCmd(g))
	root.AddCommand(newDocumentsCmd(g))
	root.AddCommand(newExportCmd(g))
	root.AddCommand(newServeCmd(g))
	return root
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize ~/.taxsync directory and default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			baseDir := filepath.Join(home, ".taxsync")
			if err := os.MkdirAll(baseDir, 0o755); err != nil {
				return err
			}

			cfgFile := filepath.Join(baseDir, "config.yaml")
			if _, err := os.Stat(cfgFile); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(cfgFile, []byte(defaultConfigContent), 0o600); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "created", cfgFile)
			} else if err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "exists", cfgFile)
			} else {
				return err
			}

			cfg := config.Default()
			s, err := store.NewSQLiteStore(cfg.Database.Path)
			if err != nil {
				return err
			}
			defer s.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "database ready", cfg.Database.Path)
			fmt.Fprintln(cmd.OutOrStdout(), "set TAXSYNC_SECRET (or a .env file) before running a sync")
			return nil
		},
	}
}

func (g *globals) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if g.debug {
		cfg.Log.Level = "debug"
	}
	return cfg, logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr), nil
}

func (g *globals) open() (*app.App, error) {
	cfg, logger, err := g.load()
	if err != nil {
		return nil, err
	}
	return app.New(cfg, logger)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
