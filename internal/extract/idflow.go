package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/yourorg/taxsync/internal/browser"
	"github.com/yourorg/taxsync/internal/config"
	"github.com/yourorg/taxsync/internal/logging"
	"github.com/yourorg/taxsync/internal/snapshot"
	"github.com/yourorg/taxsync/pkg/types"
)

// IDState is a position in the internal id capture flow.
type IDState int

const (
	StateIdle IDState = iota
	StateOpenedDetail
	StateOpenedCompact
	StateIDCaptured
	StateFailedID
	StateClosed
)

func (s IDState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateOpenedDetail:
		return "OPENED_DETAIL"
	case StateOpenedCompact:
		return "OPENED_COMPACT"
	case StateIDCaptured:
		return "ID_CAPTURED"
	case StateFailedID:
		return "FAILED_ID"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("IDState(%d)", int(s))
}

// DriverFactory starts the browser used by the id flow.
type DriverFactory func(ctx context.Context) (browser.Driver, error)

// idRun is the state of one record going through the flow. A failed step is
// retried from the state it failed in, never from IDLE.
type idRun struct {
	doc   types.RawDocument
	state IDState
	popup *browser.Popup
	id    string
	trace []IDState
}

func (r *idRun) moveTo(s IDState) {
	r.state = s
	r.trace = append(r.trace, s)
}

// IDFlow captures internal ids by driving the portal UI: open the record's
// detail view, click the compact form button, read the id from the popup
// URL and close the popup. One browser serves all records, one at a time.
type IDFlow struct {
	portal       config.PortalConfig
	stepAttempts int
	newDriver    DriverFactory
	cookies      []types.Cookie
	clicker      *browser.ClickRetrier
	snaps        *snapshot.Snapshotter
	logger       *slog.Logger

	mu  sync.Mutex
	drv browser.Driver
}

func NewIDFlow(cfg *config.Config, newDriver DriverFactory, sess *types.Session, snaps *snapshot.Snapshotter, logger *slog.Logger) *IDFlow {
	logger = logging.OrDiscard(logger)
	steps := cfg.Extraction.StepAttempts
	if steps < 1 {
		steps = 1
	}
	var cookies []types.Cookie
	if sess != nil {
		cookies = sess.Cookies
	}
	return &IDFlow{
		portal:       cfg.Portal,
		stepAttempts: steps,
		newDriver:    newDriver,
		cookies:      cookies,
		clicker:      browser.NewClickRetrier(cfg.Extraction.ClickAttempts, cfg.Extraction.ClickBudget, logger),
		snaps:        snaps,
		logger:       logger,
	}
}

// Capture runs the flow for doc and returns the internal id. The returned
// trace lists every state entered, ending in CLOSED.
func (f *IDFlow) Capture(ctx context.Context, doc types.RawDocument) (string, []IDState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	run := &idRun{doc: doc, trace: []IDState{StateIdle}}
	drv, err := f.driver(ctx)
	if err != nil {
		run.moveTo(StateFailedID)
		run.moveTo(StateClosed)
		return "", run.trace, err
	}
	log := f.logger.With("folio", doc.Folio, "type", doc.TypeCode)

	for run.state != StateIDCaptured {
		from := run.state
		attempts := f.stepAttempts
		if from == StateOpenedDetail {
			// the click retrier already retries the compact form click
			// within its own budget
			attempts = 1
		}
		var stepErr error
		for attempt := 1; attempt <= attempts; attempt++ {
			stepErr = f.step(ctx, drv, run)
			if stepErr == nil {
				break
			}
			log.Warn("id flow step failed", "state", from.String(), "attempt", attempt, "error", stepErr)
			if ctx.Err() != nil || errors.Is(stepErr, types.ErrDriverBusy) {
				break
			}
		}
		if stepErr != nil {
			f.fail(ctx, drv, run, stepErr)
			return "", run.trace, fmt.Errorf("id flow %s at %s: %w", doc.Folio, from, stepErr)
		}
	}

	if err := drv.ClosePopup(ctx, run.popup); err != nil {
		log.Warn("close popup", "error", err)
	}
	run.moveTo(StateClosed)
	return run.id, run.trace, nil
}

// step performs the single transition out of run.state.
func (f *IDFlow) step(ctx context.Context, drv browser.Driver, run *idRun) error {
	switch run.state {
	case StateIdle:
		if err := drv.Navigate(ctx, f.detailURL(run.doc)); err != nil {
			return err
		}
		if err := drv.WaitVisible(ctx, f.portal.Selectors.DetailReady); err != nil {
			return err
		}
		run.moveTo(StateOpenedDetail)
	case StateOpenedDetail:
		var popup *browser.Popup
		clicker := *f.clicker
		clicker.OnAttemptFailed = func(ctx context.Context, attempt int, err error) {
			f.snapshot(ctx, drv, run, err, map[string]string{"state": run.state.String(), "click_attempt": strconv.Itoa(attempt)})
		}
		err := clicker.Do(ctx, "compact form", func(ctx context.Context, mode browser.ClickMode) error {
			p, err := drv.OpenPopup(ctx, f.portal.Selectors.CompactButton, mode)
			popup = p
			return err
		})
		if err != nil {
			return err
		}
		run.popup = popup
		run.moveTo(StateOpenedCompact)
	case StateOpenedCompact:
		id, err := f.parseID(run.popup)
		if err != nil {
			return err
		}
		run.id = id
		run.moveTo(StateIDCaptured)
	default:
		return fmt.Errorf("no transition out of %s", run.state)
	}
	return nil
}

func (f *IDFlow) fail(ctx context.Context, drv browser.Driver, run *idRun, cause error) {
	failedIn := run.state
	run.moveTo(StateFailedID)
	f.snapshot(ctx, drv, run, cause, map[string]string{"state": failedIn.String()})
	if run.popup != nil {
		if err := drv.ClosePopup(ctx, run.popup); err != nil {
			f.logger.Warn("close popup", "folio", run.doc.Folio, "error", err)
		}
	}
	run.moveTo(StateClosed)
}

func (f *IDFlow) snapshot(ctx context.Context, drv browser.Driver, run *idRun, cause error, fields map[string]string) {
	fields["folio"] = run.doc.Folio
	fields["type"] = run.doc.TypeCode
	dir, err := f.snaps.Capture(ctx, drv, "id_flow_"+run.doc.TypeCode+"_"+run.doc.Folio, cause, fields)
	if err != nil {
		f.logger.Warn("snapshot failed", "folio", run.doc.Folio, "error", err)
	} else if dir != "" {
		f.logger.Info("id flow snapshot", "folio", run.doc.Folio, "dir", dir)
	}
}

func (f *IDFlow) parseID(p *browser.Popup) (string, error) {
	if p == nil {
		return "", errors.New("no popup")
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return "", fmt.Errorf("popup url: %w", err)
	}
	id := strings.TrimSpace(u.Query().Get(f.portal.InternalIDParam))
	if id == "" && u.Fragment != "" {
		// hash-routed pages carry the query inside the fragment
		if i := strings.IndexByte(u.Fragment, '?'); i >= 0 {
			if q, err := url.ParseQuery(u.Fragment[i+1:]); err == nil {
				id = strings.TrimSpace(q.Get(f.portal.InternalIDParam))
			}
		}
	}
	if id == "" {
		return "", fmt.Errorf("popup url has no %s parameter", f.portal.InternalIDParam)
	}
	return id, nil
}

func (f *IDFlow) detailURL(doc types.RawDocument) string {
	return strings.NewReplacer(
		"{folio}", url.QueryEscape(doc.Folio),
		"{type}", url.QueryEscape(doc.TypeCode),
		"{taxid}", url.QueryEscape(doc.CounterpartyTaxID),
	).Replace(f.portal.DetailURLTemplate)
}

func (f *IDFlow) driver(ctx context.Context) (browser.Driver, error) {
	if f.drv != nil {
		return f.drv, nil
	}
	if f.newDriver == nil {
		return nil, errors.New("id flow has no browser")
	}
	drv, err := f.newDriver(ctx)
	if err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}
	if len(f.cookies) > 0 {
		if err := drv.SetCookies(ctx, f.cookies); err != nil {
			_ = drv.Close()
			return nil, fmt.Errorf("seed cookies: %w", err)
		}
	}
	f.drv = drv
	return drv, nil
}

// Close releases the browser, if one was started.
func (f *IDFlow) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.drv == nil {
		return nil
	}
	err := f.drv.Close()
	f.drv = nil
	return err
}
