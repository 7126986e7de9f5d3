// Package session keeps portal sessions per tenant: persisted in the store,
// fronted by an in-memory cache, and guarded by a per-tenant lock so only
// one login runs for a tenant at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/yourorg/taxsync/internal/config"
	"github.com/yourorg/taxsync/internal/logging"
	"github.com/yourorg/taxsync/pkg/types"
)

// Backend is the persistence the manager writes through to.
type Backend interface {
	SaveSession(ctx context.Context, s *types.Session) error
	GetSession(ctx context.Context, tenantID string) (*types.Session, error)
	ListSessions(ctx context.Context) ([]types.Session, error)
	InvalidateSession(ctx context.Context, tenantID, reason string) error
	DeleteSession(ctx context.Context, tenantID string) error
}

// Reasons recorded when a session stops being usable.
const (
	ReasonMissing        = "no session"
	ReasonInvalidated    = "invalidated"
	ReasonExpired        = "older than max age"
	ReasonMissingCookies = "required cookie missing"
	ReasonPortalRejected = "portal rejected session"
	ReasonLogout         = "logout"
)

type Manager struct {
	backend  Backend
	cache    *cache.Cache
	maxAge   time.Duration
	required []string
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]chan struct{}
}

func New(backend Backend, cfg config.SessionConfig, logger *slog.Logger) *Manager {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Manager{
		backend:  backend,
		cache:    cache.New(ttl, 2*ttl),
		maxAge:   cfg.MaxAge,
		required: cfg.RequiredCookies,
		logger:   logging.OrDiscard(logger),
		now:      time.Now,
		locks:    make(map[string]chan struct{}),
	}
}

// Get returns a copy of the tenant's session, or types.ErrNotFound.
func (m *Manager) Get(ctx context.Context, tenantID string) (*types.Session, error) {
	if v, ok := m.cache.Get(tenantID); ok {
		s := v.(types.Session)
		return clone(&s), nil
	}
	s, err := m.backend.GetSession(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	// Add never overwrites, so a row read before a concurrent write cannot
	// replace what that write cached.
	_ = m.cache.Add(tenantID, *clone(s), cache.DefaultExpiration)
	return s, nil
}

// Put stores s, replacing any previous session of the tenant.
func (m *Manager) Put(ctx context.Context, s *types.Session) error {
	if s == nil || s.TenantID == "" {
		return fmt.Errorf("%w: session without tenant", types.ErrInvalidInput)
	}
	if err := m.backend.SaveSession(ctx, s); err != nil {
		m.cache.Delete(s.TenantID)
		return err
	}
	m.cache.SetDefault(s.TenantID, *clone(s))
	return nil
}

// Invalidate marks the tenant's session unusable, whichever session is
// stored. A missing session is not an error.
func (m *Manager) Invalidate(ctx context.Context, tenantID, reason string) error {
	return m.WithTenantLock(ctx, tenantID, func(ctx context.Context) error {
		return m.invalidate(ctx, tenantID, reason)
	})
}

// Reject invalidates the tenant's session only if it is still the one the
// portal rejected. A session stored by a later login is left alone.
func (m *Manager) Reject(ctx context.Context, rejected *types.Session, reason string) error {
	if rejected == nil || rejected.TenantID == "" {
		return fmt.Errorf("%w: session without tenant", types.ErrInvalidInput)
	}
	return m.WithTenantLock(ctx, rejected.TenantID, func(ctx context.Context) error {
		stored, err := m.backend.GetSession(ctx, rejected.TenantID)
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !SameSession(stored, rejected) {
			m.logger.Info("rejected session already replaced", "tenant", rejected.TenantID)
			return nil
		}
		return m.invalidate(ctx, rejected.TenantID, reason)
	})
}

// invalidate writes the backend first and then refreshes the cache from
// it. Callers hold the tenant lock.
func (m *Manager) invalidate(ctx context.Context, tenantID, reason string) error {
	err := m.backend.InvalidateSession(ctx, tenantID, reason)
	if errors.Is(err, types.ErrNotFound) {
		m.cache.Delete(tenantID)
		return nil
	}
	if err != nil {
		return err
	}
	m.refresh(ctx, tenantID)
	m.logger.Info("session invalidated", "tenant", tenantID, "reason", reason)
	return nil
}

func (m *Manager) refresh(ctx context.Context, tenantID string) {
	s, err := m.backend.GetSession(ctx, tenantID)
	if err != nil {
		m.cache.Delete(tenantID)
		return
	}
	m.cache.SetDefault(tenantID, *s)
}

// Delete drops the tenant's session entirely.
func (m *Manager) Delete(ctx context.Context, tenantID string) error {
	return m.WithTenantLock(ctx, tenantID, func(ctx context.Context) error {
		err := m.backend.DeleteSession(ctx, tenantID)
		m.cache.Delete(tenantID)
		if err == nil {
			m.logger.Info("session deleted", "tenant", tenantID)
		}
		return err
	})
}

// List returns cookie-free views of every stored session.
func (m *Manager) List(ctx context.Context) ([]types.SessionInfo, error) {
	all, err := m.backend.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.SessionInfo, 0, len(all))
	for i := range all {
		out = append(out, all[i].Info())
	}
	return out, nil
}

// MarkValidated records that the portal just accepted s. Nothing is written
// when the stored session is no longer s or is already invalid.
func (m *Manager) MarkValidated(ctx context.Context, s *types.Session) error {
	if s == nil || s.TenantID == "" {
		return fmt.Errorf("%w: session without tenant", types.ErrInvalidInput)
	}
	return m.WithTenantLock(ctx, s.TenantID, func(ctx context.Context) error {
		stored, err := m.backend.GetSession(ctx, s.TenantID)
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !stored.IsValid || !SameSession(stored, s) {
			return nil
		}
		stored.LastValidatedAt = m.now().UTC()
		return m.Put(ctx, stored)
	})
}

// SameSession reports whether a and b come from the same login: same
// capture second and same cookie values.
func SameSession(a, b *types.Session) bool {
	if a == nil || b == nil || a.TenantID != b.TenantID {
		return false
	}
	if !a.CapturedAt.Truncate(time.Second).Equal(b.CapturedAt.Truncate(time.Second)) {
		return false
	}
	if len(a.Cookies) != len(b.Cookies) {
		return false
	}
	for _, c := range a.Cookies {
		if v, ok := b.Cookie(c.Name); !ok || v != c.Value {
			return false
		}
	}
	return true
}

// Usable reports whether s can be reused without a new login, and if not,
// why.
func (m *Manager) Usable(s *types.Session) (bool, string) {
	if s == nil {
		return false, ReasonMissing
	}
	if !s.IsValid {
		return false, ReasonInvalidated
	}
	if m.maxAge > 0 && m.now().Sub(s.CapturedAt) > m.maxAge {
		return false, ReasonExpired
	}
	for _, name := range m.required {
		if v, ok := s.Cookie(name); !ok || v == "" {
			return false, ReasonMissingCookies
		}
	}
	return true, ""
}

// WithTenantLock runs fn while holding the tenant's lock. Waiting for the
// lock honours ctx.
func (m *Manager) WithTenantLock(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	lock := m.lockFor(tenantID)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-lock }()
	return fn(ctx)
}

func (m *Manager) lockFor(tenantID string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[tenantID]
	if !ok {
		l = make(chan struct{}, 1)
		m.locks[tenantID] = l
	}
	return l
}

func clone(s *types.Session) *types.Session {
	out := *s
	out.Cookies = append([]types.Cookie(nil), s.Cookies...)
	if s.DerivedHeaders != nil {
		out.DerivedHeaders = make(map[string]string, len(s.DerivedHeaders))
		for k, v := range s.DerivedHeaders {
			out.DerivedHeaders[k] = v
		}
	}
	return &out
}
