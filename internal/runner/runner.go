// Package runner syncs the last N months of a tenant: it acquires a
// session, extracts every period and direction, persists the results and
// aggregates counters and contained errors into one run result.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/taxsync/internal/auth"
	"github.com/yourorg/taxsync/internal/config"
	"github.com/yourorg/taxsync/internal/extract"
	"github.com/yourorg/taxsync/internal/logging"
	"github.com/yourorg/taxsync/internal/session"
	"github.com/yourorg/taxsync/pkg/types"
)

// MaxMonths bounds a single run.
const MaxMonths = 36

type Authenticator interface {
	Acquire(ctx context.Context, creds auth.Credentials) (*types.Session, bool, error)
}

// SessionKeeper updates the stored session from what the portal said about
// it. Both calls leave a session stored by a later login untouched.
type SessionKeeper interface {
	Reject(ctx context.Context, rejected *types.Session, reason string) error
	MarkValidated(ctx context.Context, s *types.Session) error
}

type Upserter interface {
	Upsert(ctx context.Context, tenantID string, dir types.Direction, docs []types.RawDocument) (types.UpsertResult, error)
}

type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp types.Checkpoint) error
	ListCheckpoints(ctx context.Context, tenantID string) ([]types.Checkpoint, error)
}

// SourceFactory builds the portal data client for an acquired session.
type SourceFactory func(sess *types.Session) (extract.Source, error)

// IDCapturer is an id flow owned by one run.
type IDCapturer interface {
	extract.IDCapturer
	io.Closer
}

// IDCapturerFactory builds the id flow for an acquired session.
type IDCapturerFactory func(sess *types.Session) IDCapturer

// Deps are the collaborators of a run. NewIDCapturer may be nil.
type Deps struct {
	Auth          Authenticator
	Sessions      SessionKeeper
	NewSource     SourceFactory
	NewIDCapturer IDCapturerFactory
	Syncer        Upserter
	Checkpoints   CheckpointStore
}

// Request describes one run.
type Request struct {
	Credentials auth.Credentials
	Months      int
	MonthOffset int
	// Resume skips period/directions whose last checkpoint is ok. The
	// current month is always synced.
	Resume bool
}

type Runner struct {
	cfg    config.ExtractionConfig
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg config.ExtractionConfig, deps Deps, logger *slog.Logger) *Runner {
	return &Runner{cfg: cfg, deps: deps, logger: logging.OrDiscard(logger), now: time.Now}
}

// Periods returns months periods in descending order, starting offset
// months before the period containing today.
func Periods(today time.Time, months, offset int) []types.Period {
	start := types.PeriodOf(today).AddMonths(-offset)
	out := make([]types.Period, 0, months)
	for i := 0; i < months; i++ {
		out = append(out, start.AddMonths(-i))
	}
	return out
}

func (req Request) validate() error {
	if req.Months < 1 || req.Months > MaxMonths {
		return fmt.Errorf("%w: months must be between 1 and %d, got %d", types.ErrInvalidInput, MaxMonths, req.Months)
	}
	if req.MonthOffset < 0 {
		return fmt.Errorf("%w: month offset must not be negative, got %d", types.ErrInvalidInput, req.MonthOffset)
	}
	return req.Credentials.Validate()
}

// Run syncs the requested periods. It returns an error only for bad input
// or when no session can be acquired; everything else is recorded in the
// result's Errors.
func (r *Runner) Run(ctx context.Context, req Request) (*types.SyncRunResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	started := r.now()
	tenant := req.Credentials.TenantID
	res := &types.SyncRunResult{
		RunID:            uuid.NewString(),
		TenantID:         tenant,
		Counters:         []types.TypeCounter{},
		PeriodsProcessed: []string{},
		Errors:           []types.RunError{},
		StartedAt:        started.UTC(),
	}
	log := r.logger.With("tenant", tenant, "run", res.RunID)

	sess, reused, err := r.deps.Auth.Acquire(ctx, req.Credentials)
	if err != nil {
		return nil, err
	}
	res.SessionReused = reused
	log.Info("session acquired", "reused", reused)

	src, err := r.deps.NewSource(sess)
	if err != nil {
		return nil, fmt.Errorf("portal client: %w", err)
	}
	var ids extract.IDCapturer
	if r.deps.NewIDCapturer != nil && len(r.cfg.InternalIDTypes) > 0 {
		flow := r.deps.NewIDCapturer(sess)
		defer func() {
			if err := flow.Close(); err != nil {
				log.Warn("close id flow", "error", err)
			}
		}()
		ids = flow
	}

	run := &runState{
		Runner: r,
		res:    res,
		tenant: tenant,
		sess:   sess,
		engine: extract.New(r.cfg, ids, r.logger),
		src:    src,
		log:    log,
		counts: map[countKey]*types.Counter{},
	}
	if req.Resume {
		run.done = r.completed(ctx, tenant)
	}

	periods := Periods(started, req.Months, req.MonthOffset)
	current := types.PeriodOf(started)
	outcome := make([]periodOutcome, len(periods))
	g := new(errgroup.Group)
	limit := r.cfg.PeriodConcurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, p := range periods {
		g.Go(func() error {
			outcome[i] = run.period(ctx, p, p == current)
			return nil
		})
	}
	_ = g.Wait()

	for i, p := range periods {
		switch outcome[i] {
		case outcomeProcessed:
			res.PeriodsProcessed = append(res.PeriodsProcessed, p.String())
		case outcomeSkipped:
			res.PeriodsSkipped = append(res.PeriodsSkipped, p.String())
		}
	}
	run.finish()
	res.Duration = r.now().Sub(started)
	log.Info("run finished", "periods", len(res.PeriodsProcessed), "skipped", len(res.PeriodsSkipped),
		"created", res.Totals.Created, "updated", res.Totals.Updated, "errors", len(res.Errors), "degraded", res.Degraded)
	return res, nil
}

// completed loads the period/directions whose last checkpoint is ok.
func (r *Runner) completed(ctx context.Context, tenant string) map[string]bool {
	cps, err := r.deps.Checkpoints.ListCheckpoints(ctx, tenant)
	if err != nil {
		r.logger.Warn("load checkpoints, resuming from scratch", "tenant", tenant, "error", err)
		return nil
	}
	done := make(map[string]bool, len(cps))
	for _, cp := range cps {
		if cp.Status == types.CheckpointOK {
			done[checkpointKey(cp.Period, cp.Direction)] = true
		}
	}
	return done
}

func checkpointKey(period string, dir types.Direction) string {
	return period + "/" + string(dir)
}

type periodOutcome int

const (
	outcomeNone periodOutcome = iota
	outcomeProcessed
	outcomeSkipped
)

type countKey struct {
	dir      types.Direction
	typeCode string
}

// runState is the mutable part of one run, shared by the period workers.
type runState struct {
	*Runner
	res    *types.SyncRunResult
	tenant string
	sess   *types.Session
	engine *extract.Engine
	src    extract.Source
	log    *slog.Logger
	done   map[string]bool

	mu          sync.Mutex
	counts      map[countKey]*types.Counter
	invalidated bool
	validated   bool
}

func (s *runState) period(ctx context.Context, p types.Period, current bool) periodOutcome {
	attempted := false
	for _, dir := range types.Directions {
		if !current && s.done[checkpointKey(p.String(), dir)] {
			s.log.Info("already synced, skipping", "period", p.String(), "direction", string(dir))
			continue
		}
		if err := ctx.Err(); err != nil {
			s.addError(types.RunError{Period: p.String(), Direction: dir, Kind: types.ErrKindDeadline, Message: err.Error()})
			continue
		}
		if s.sessionLost() {
			s.addError(types.RunError{Period: p.String(), Direction: dir, Kind: types.ErrKindSession, Message: types.ErrSessionExpired.Error()})
			continue
		}
		attempted = true
		s.direction(ctx, p, dir)
	}
	switch {
	case attempted:
		return outcomeProcessed
	case ctx.Err() != nil || s.sessionLost():
		return outcomeNone
	default:
		return outcomeSkipped
	}
}

// direction extracts and persists one period/direction. When ctx ends
// mid-extraction, whatever was extracted is still written under a short
// detached deadline.
func (s *runState) direction(ctx context.Context, p types.Period, dir types.Direction) {
	log := s.log.With("period", p.String(), "direction", string(dir))
	res := s.engine.Extract(ctx, s.src, p, dir)
	if !res.Aborted {
		s.markValidated(ctx)
	}

	var runErrs []types.RunError
	for _, xerr := range res.Errors {
		kind := types.ErrKindExtraction
		switch {
		case errors.Is(xerr, types.ErrSessionExpired):
			kind = types.ErrKindSession
			s.invalidateSession(ctx)
		case ctx.Err() != nil && errors.Is(xerr, ctx.Err()):
			kind = types.ErrKindDeadline
		}
		runErrs = append(runErrs, types.RunError{Period: p.String(), Direction: dir, TypeCode: xerr.TypeCode, Kind: kind, Message: xerr.Error()})
	}

	wctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FlushTimeout)
		defer cancel()
		log.Warn("deadline reached, flushing extracted documents", "documents", len(res.Documents))
	}

	var (
		up      types.UpsertResult
		written = true
	)
	if !res.Aborted && len(res.Documents) > 0 {
		var err error
		up, err = s.deps.Syncer.Upsert(wctx, s.tenant, dir, res.Documents)
		if err != nil {
			written = false
			log.Error("persist batch failed", "error", err)
			runErrs = append(runErrs, types.RunError{Period: p.String(), Direction: dir, Kind: types.ErrKindPersistence, Message: err.Error()})
		}
	}

	cp := types.Checkpoint{TenantID: s.tenant, Period: p.String(), Direction: dir, RunID: s.res.RunID, Documents: up.Total}
	switch {
	case res.Aborted || !written:
		cp.Status = types.CheckpointFailed
	case len(runErrs) > 0:
		cp.Status = types.CheckpointPartial
	default:
		cp.Status = types.CheckpointOK
	}
	if len(runErrs) > 0 {
		cp.ErrorMsg = runErrs[0].Message
	}
	if err := s.deps.Checkpoints.SaveCheckpoint(wctx, cp); err != nil {
		log.Warn("save checkpoint", "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.res.Errors = append(s.res.Errors, runErrs...)
	for tc, c := range up.ByType {
		k := countKey{dir, tc}
		if s.counts[k] == nil {
			s.counts[k] = &types.Counter{}
		}
		s.counts[k].Add(c)
	}
	s.res.Degraded += up.Degraded
}

func (s *runState) sessionLost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidated
}

func (s *runState) addError(e types.RunError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.res.Errors = append(s.res.Errors, e)
}

// invalidateSession drops the stored session once per run so the next run
// logs in again.
func (s *runState) invalidateSession(ctx context.Context) {
	s.mu.Lock()
	if s.invalidated {
		s.mu.Unlock()
		return
	}
	s.invalidated = true
	s.mu.Unlock()
	if s.deps.Sessions == nil {
		return
	}
	if err := s.deps.Sessions.Reject(context.WithoutCancel(ctx), s.sess, session.ReasonPortalRejected); err != nil {
		s.log.Warn("invalidate session", "error", err)
		return
	}
	s.log.Warn("portal rejected session, invalidated")
}

// markValidated stamps the session once per run, after the portal first
// accepted it.
func (s *runState) markValidated(ctx context.Context) {
	s.mu.Lock()
	if s.validated || s.invalidated {
		s.mu.Unlock()
		return
	}
	s.validated = true
	s.mu.Unlock()
	if s.deps.Sessions == nil {
		return
	}
	if err := s.deps.Sessions.MarkValidated(context.WithoutCancel(ctx), s.sess); err != nil {
		s.log.Warn("mark session validated", "error", err)
	}
}

// finish folds the per-type counters into the result.
func (s *runState) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, c := range s.counts {
		s.res.Counters = append(s.res.Counters, types.TypeCounter{Direction: k.dir, TypeCode: k.typeCode, Counter: *c})
		s.res.Totals.Add(*c)
	}
	s.res.SortCounters()
	sort.SliceStable(s.res.Errors, func(i, j int) bool {
		a, b := s.res.Errors[i], s.res.Errors[j]
		if a.Period != b.Period {
			return a.Period > b.Period
		}
		if a.Direction != b.Direction {
			return a.Direction < b.Direction
		}
		return a.TypeCode < b.TypeCode
	})
}
