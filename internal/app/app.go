// Package app wires the engine from a config. The CLI and the HTTP server
// share it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/yourorg/taxsync/internal/auth"
	"github.com/yourorg/taxsync/internal/browser"
	"github.com/yourorg/taxsync/internal/config"
	"github.com/yourorg/taxsync/internal/export"
	"github.com/yourorg/taxsync/internal/extract"
	"github.com/yourorg/taxsync/internal/logging"
	"github.com/yourorg/taxsync/internal/netlog"
	"github.com/yourorg/taxsync/internal/portal"
	"github.com/yourorg/taxsync/internal/runner"
	"github.com/yourorg/taxsync/internal/session"
	"github.com/yourorg/taxsync/internal/snapshot"
	"github.com/yourorg/taxsync/internal/store"
	"github.com/yourorg/taxsync/internal/syncer"
	"github.com/yourorg/taxsync/pkg/types"
)

// DriverFactory starts a browser for one login or one id flow.
type DriverFactory func(ctx context.Context) (browser.Driver, error)

type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     *store.SQLiteStore
	Sessions  *session.Manager
	Snapshots *snapshot.Snapshotter
	Auth      *auth.Authenticator
	Syncer    *syncer.Engine
	Runner    *runner.Runner
	Exporter  *export.Exporter
}

// Option customizes New.
type Option func(*options)

type options struct {
	newDriver DriverFactory
}

// WithDriverFactory replaces the Chrome driver, mostly for tests.
func WithDriverFactory(f DriverFactory) Option {
	return func(o *options) { o.newDriver = f }
}

// New opens the store and builds every component.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logging.OrDiscard(logger)
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.newDriver == nil {
		o.newDriver = ChromeFactory(cfg, logger)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &App{
		Config:    cfg,
		Logger:    logger,
		Store:     st,
		Sessions:  session.New(st, cfg.Session, logger.With("component", "session")),
		Snapshots: snapshot.New(cfg, logger.With("component", "snapshot")),
		Syncer:    syncer.New(st, logger.With("component", "syncer")),
		Exporter:  export.NewExporter(),
	}
	a.Auth = auth.New(cfg, a.Sessions, auth.DriverFactory(o.newDriver), a.Snapshots, logger.With("component", "auth"))

	extractLogger := logger.With("component", "extract")
	a.Runner = runner.New(cfg.Extraction, runner.Deps{
		Auth:     a.Auth,
		Sessions: a.Sessions,
		NewSource: func(sess *types.Session) (extract.Source, error) {
			return portal.New(cfg, sess, logger.With("component", "portal"))
		},
		NewIDCapturer: func(sess *types.Session) runner.IDCapturer {
			return extract.NewIDFlow(cfg, extract.DriverFactory(o.newDriver), sess, a.Snapshots, extractLogger)
		},
		Syncer:      a.Syncer,
		Checkpoints: st,
	}, logger.With("component", "runner"))
	return a, nil
}

// ChromeFactory starts a fresh Chrome per call, each with its own network
// recorder.
func ChromeFactory(cfg *config.Config, logger *slog.Logger) DriverFactory {
	return func(ctx context.Context) (browser.Driver, error) {
		drv, err := browser.NewChromeDriver(ctx, browser.Options{
			Headless:     cfg.Browser.Headless,
			ExecPath:     cfg.Browser.ExecPath,
			NoSandbox:    cfg.Browser.NoSandbox,
			UserAgent:    cfg.Portal.UserAgent,
			StepTimeout:  cfg.Browser.StepTimeout,
			PopupTimeout: cfg.Browser.PopupTimeout,
			CookieURLs:   []string{cfg.Portal.BaseURL, cfg.Portal.LoginURL, cfg.Portal.ProtectedURL},
			Recorder:     netlog.NewRecorder(0),
			Logger:       logger.With("component", "browser"),
		})
		if err != nil {
			return nil, err
		}
		return drv, nil
	}
}

// Sync runs one job.
func (a *App) Sync(ctx context.Context, req runner.Request) (*types.SyncRunResult, error) {
	return a.Runner.Run(ctx, req)
}

// Documents lists persisted documents.
func (a *App) Documents(ctx context.Context, f types.DocumentFilter) ([]types.SyncRecord, error) {
	if f.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant id required", types.ErrInvalidInput)
	}
	return a.Store.ListDocuments(ctx, f)
}

// Export writes the tenant's documents matching f to an XLSX file.
func (a *App) Export(ctx context.Context, f types.DocumentFilter, path string) (int, error) {
	docs, err := a.Documents(ctx, f)
	if err != nil {
		return 0, err
	}
	cps, err := a.Store.ListCounterparties(ctx, f.TenantID)
	if err != nil {
		return 0, err
	}
	if err := a.Exporter.WriteFile(path, docs, cps); err != nil {
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	return len(docs), nil
}

func (a *App) Close() error {
	return a.Store.Close()
}

// ListSessions lists stored sessions without cookie values.
func (a *App) ListSessions(ctx context.Context) ([]types.SessionInfo, error) {
	return a.Sessions.List(ctx)
}

// Logout invalidates the tenant's stored session.
func (a *App) Logout(ctx context.Context, tenantID string) error {
	return a.Auth.Logout(ctx, tenantID)
}

// Purge deletes the tenant's stored session, cookies included.
func (a *App) Purge(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenant id required", types.ErrInvalidInput)
	}
	return a.Sessions.Delete(ctx, tenantID)
}

// Checkpoints lists the tenant's last outcome per period and direction.
func (a *App) Checkpoints(ctx context.Context, tenantID string) ([]types.Checkpoint, error) {
	return a.Store.ListCheckpoints(ctx, tenantID)
}
