// Package auth logs tenants into the portal through a browser and hands out
// reusable sessions.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/yourorg/taxsync/internal/browser"
	"github.com/yourorg/taxsync/internal/config"
	"github.com/yourorg/taxsync/internal/logging"
	"github.com/yourorg/taxsync/internal/portal"
	"github.com/yourorg/taxsync/internal/session"
	"github.com/yourorg/taxsync/internal/snapshot"
	"github.com/yourorg/taxsync/pkg/types"
)

// Credentials identify a tenant on the portal. Secret is never logged.
type Credentials struct {
	TenantID string
	TaxID    string
	Secret   string
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{TenantID:%s TaxID:%s Secret:***}", c.TenantID, c.TaxID)
}

// Validate normalizes the tax id in place and rejects incomplete credentials.
func (c *Credentials) Validate() error {
	if strings.TrimSpace(c.TenantID) == "" {
		return fmt.Errorf("%w: tenant id required", types.ErrInvalidInput)
	}
	id := types.NormalizeTaxID(c.TaxID)
	if id == "" {
		return fmt.Errorf("%w: tax id %q", types.ErrInvalidInput, c.TaxID)
	}
	c.TaxID = id
	if c.Secret == "" {
		return fmt.Errorf("%w: secret required", types.ErrInvalidInput)
	}
	return nil
}

// DriverFactory starts a fresh browser for one login.
type DriverFactory func(ctx context.Context) (browser.Driver, error)

type Authenticator struct {
	portal    config.PortalConfig
	browser   config.BrowserConfig
	sessions  *session.Manager
	newDriver DriverFactory
	clicker   *browser.ClickRetrier
	snaps     *snapshot.Snapshotter
	logger    *slog.Logger
	now       func() time.Time
}

func New(cfg *config.Config, sessions *session.Manager, newDriver DriverFactory, snaps *snapshot.Snapshotter, logger *slog.Logger) *Authenticator {
	logger = logging.OrDiscard(logger)
	return &Authenticator{
		portal:    cfg.Portal,
		browser:   cfg.Browser,
		sessions:  sessions,
		newDriver: newDriver,
		clicker:   browser.NewClickRetrier(cfg.Extraction.ClickAttempts, cfg.Extraction.ClickBudget, logger),
		snaps:     snaps,
		logger:    logger,
		now:       time.Now,
	}
}

// Acquire returns a usable session for the tenant, logging in only when the
// stored one cannot be reused. At most one login per tenant runs at a time;
// callers that waited on it reuse its result.
func (a *Authenticator) Acquire(ctx context.Context, creds Credentials) (*types.Session, bool, error) {
	if err := creds.Validate(); err != nil {
		return nil, false, err
	}
	if s, ok := a.reusable(ctx, creds); ok {
		return s, true, nil
	}
	var (
		out    *types.Session
		reused bool
	)
	err := a.sessions.WithTenantLock(ctx, creds.TenantID, func(ctx context.Context) error {
		if s, ok := a.reusable(ctx, creds); ok {
			out, reused = s, true
			return nil
		}
		s, err := a.login(ctx, creds)
		if err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, reused, nil
}

// Login forces a fresh browser login and replaces the stored session.
func (a *Authenticator) Login(ctx context.Context, creds Credentials) (*types.Session, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	var out *types.Session
	err := a.sessions.WithTenantLock(ctx, creds.TenantID, func(ctx context.Context) error {
		s, err := a.login(ctx, creds)
		out = s
		return err
	})
	return out, err
}

// Validate is the cheap reuse check: validity flag, age and required
// cookies. It does not contact the portal.
func (a *Authenticator) Validate(s *types.Session) (bool, string) {
	return a.sessions.Usable(s)
}

// Logout invalidates the tenant's stored session.
func (a *Authenticator) Logout(ctx context.Context, tenantID string) error {
	return a.sessions.Invalidate(ctx, tenantID, session.ReasonLogout)
}

func (a *Authenticator) reusable(ctx context.Context, creds Credentials) (*types.Session, bool) {
	s, err := a.sessions.Get(ctx, creds.TenantID)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			a.logger.Warn("session lookup failed", "tenant", creds.TenantID, "error", err)
		}
		return nil, false
	}
	if s.CredentialRef != creds.TaxID {
		a.logger.Info("stored session belongs to another tax id", "tenant", creds.TenantID)
		return nil, false
	}
	ok, reason := a.sessions.Usable(s)
	if !ok {
		a.logger.Info("stored session not reusable", "tenant", creds.TenantID, "reason", reason)
		return nil, false
	}
	return s, true
}

func (a *Authenticator) login(ctx context.Context, creds Credentials) (*types.Session, error) {
	log := a.logger.With("tenant", creds.TenantID)
	drv, err := a.newDriver(ctx)
	if err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}
	defer func() {
		if err := drv.Close(); err != nil {
			log.Warn("close browser", "error", err)
		}
	}()

	start := a.now()
	log.Info("login started")
	if err := a.submitForm(ctx, drv, creds); err != nil {
		a.snapshot(ctx, drv, creds, "login_form", err)
		return nil, &types.AuthenticationError{TenantID: creds.TenantID, Outcome: types.AuthUnknown, URL: a.portal.LoginURL, Err: err}
	}

	url, outcome, err := a.awaitLanding(ctx, drv)
	if err != nil {
		return nil, err
	}
	if outcome == types.AuthIntermediate {
		url, outcome, err = a.confirm(ctx, drv)
		if err != nil {
			return nil, err
		}
	}
	log.Info("login classified", "outcome", string(outcome), "url", url, "elapsed", a.now().Sub(start).String())

	switch outcome {
	case types.AuthSuccess:
	case types.AuthPortalUnavailable:
		a.snapshot(ctx, drv, creds, "login_unavailable", nil)
		return nil, &types.PortalUnavailableError{URL: url, RetryAfter: a.portal.RetryAfter}
	default:
		authErr := &types.AuthenticationError{TenantID: creds.TenantID, Outcome: outcome, URL: url}
		a.snapshot(ctx, drv, creds, "login_"+string(outcome), authErr)
		return nil, authErr
	}

	cookies, err := drv.Cookies(ctx)
	if err != nil {
		return nil, &types.AuthenticationError{TenantID: creds.TenantID, Outcome: types.AuthUnknown, URL: url, Err: err}
	}
	now := a.now().UTC()
	s := &types.Session{
		TenantID:        creds.TenantID,
		CredentialRef:   creds.TaxID,
		Cookies:         cookies,
		CapturedAt:      now,
		LastValidatedAt: now,
		IsValid:         true,
	}
	token, ok := s.Cookie(a.portal.TokenCookie)
	if !ok || token == "" {
		err := fmt.Errorf("%s cookie not issued", a.portal.TokenCookie)
		a.snapshot(ctx, drv, creds, "login_no_token", err)
		return nil, &types.AuthenticationError{TenantID: creds.TenantID, Outcome: types.AuthUnknown, URL: url, Err: err}
	}
	s.DerivedHeaders = map[string]string{portal.TokenHeader: token}
	if err := a.sessions.Put(ctx, s); err != nil {
		return nil, err
	}
	log.Info("login succeeded", "cookies", len(cookies))
	return s, nil
}

func (a *Authenticator) submitForm(ctx context.Context, drv browser.Driver, creds Credentials) error {
	sel := a.portal.Selectors
	if err := drv.Navigate(ctx, a.portal.LoginURL); err != nil {
		return err
	}
	if err := drv.Fill(ctx, sel.TaxIDInput, creds.TaxID); err != nil {
		return err
	}
	if err := drv.Fill(ctx, sel.SecretInput, creds.Secret); err != nil {
		return err
	}
	return a.clicker.Do(ctx, "login submit", func(ctx context.Context, mode browser.ClickMode) error {
		return drv.Click(ctx, sel.Submit, mode)
	})
}

// awaitLanding polls the browser location until it leaves the login page or
// the login timeout passes, then classifies where it ended up. An error
// message shown on the login page itself ends the wait early.
func (a *Authenticator) awaitLanding(ctx context.Context, drv browser.Driver) (string, types.AuthOutcome, error) {
	deadline := a.now().Add(a.browser.LoginTimeout)
	interval := a.browser.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	for {
		url, err := drv.CurrentURL(ctx)
		if err != nil {
			return "", "", err
		}
		page, _ := drv.HTML(ctx)
		outcome := portal.ClassifyLogin(url, page, a.portal.Markers)
		if !portal.IsLoginURL(url, a.portal.Markers) || outcome == types.AuthInvalidCredentials {
			return url, outcome, nil
		}
		if !a.now().Before(deadline) {
			return url, outcome, nil
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", "", ctx.Err()
		case <-t.C:
		}
	}
}

// confirm settles an intermediate landing by opening a protected page: a
// bounce back to login means the credentials were refused, while a page
// reached with more than one cookie set means the login took.
func (a *Authenticator) confirm(ctx context.Context, drv browser.Driver) (string, types.AuthOutcome, error) {
	if err := drv.Navigate(ctx, a.portal.ProtectedURL); err != nil {
		return "", "", err
	}
	url, err := drv.CurrentURL(ctx)
	if err != nil {
		return "", "", err
	}
	if portal.IsLoginURL(url, a.portal.Markers) {
		return url, types.AuthInvalidCredentials, nil
	}
	page, _ := drv.HTML(ctx)
	if outcome := portal.ClassifyLogin(url, page, a.portal.Markers); outcome == types.AuthPortalUnavailable || outcome == types.AuthInvalidCredentials {
		return url, outcome, nil
	}
	cookies, err := drv.Cookies(ctx)
	if err != nil {
		return "", "", err
	}
	if len(cookies) > 1 {
		return url, types.AuthSuccess, nil
	}
	return url, types.AuthUnknown, nil
}

func (a *Authenticator) snapshot(ctx context.Context, drv browser.Driver, creds Credentials, label string, cause error) {
	dir, err := a.snaps.Capture(ctx, drv, label, cause, map[string]string{"tenant": creds.TenantID})
	if err != nil {
		a.logger.Warn("snapshot failed", "tenant", creds.TenantID, "label", label, "error", err)
		return
	}
	if dir != "" {
		a.logger.Info("login snapshot", "tenant", creds.TenantID, "dir", dir)
	}
}
