package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/yourorg/taxsync/internal/logging"
	"github.com/yourorg/taxsync/internal/netlog"
	"github.com/yourorg/taxsync/pkg/types"
)

// Options configures a ChromeDriver.
type Options struct {
	Headless     bool
	ExecPath     string
	NoSandbox    bool
	UserAgent    string
	StepTimeout  time.Duration
	PopupTimeout time.Duration
	// CookieURLs scopes cookie reads; the portal spreads its cookies over
	// several hosts.
	CookieURLs []string
	Recorder   *netlog.Recorder
	Logger     *slog.Logger
}

// ChromeDriver drives a local Chrome through the DevTools protocol.
type ChromeDriver struct {
	mu     sync.Mutex
	opts   Options
	logger *slog.Logger
	rec    *netlog.Recorder

	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	popups      map[string]struct{}
	closed      bool
}

var _ Driver = (*ChromeDriver)(nil)

// NewChromeDriver launches the browser and enables network tracking.
func NewChromeDriver(ctx context.Context, opts Options) (*ChromeDriver, error) {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 15 * time.Second
	}
	if opts.PopupTimeout <= 0 {
		opts.PopupTimeout = 10 * time.Second
	}
	if opts.Recorder == nil {
		opts.Recorder = netlog.NewRecorder(0)
	}
	logger := logging.OrDiscard(opts.Logger)

	allocOpts := append([]chromedp.ExecAllocatorOption{},
		chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(1366, 900),
	)
	if opts.NoSandbox {
		allocOpts = append(allocOpts, chromedp.NoSandbox)
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	d := &ChromeDriver{
		opts:        opts,
		logger:      logger,
		rec:         opts.Recorder,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		popups:      make(map[string]struct{}),
	}
	chromedp.ListenTarget(tabCtx, d.onEvent)

	startCtx, cancel := context.WithTimeout(tabCtx, opts.StepTimeout)
	defer cancel()
	if err := chromedp.Run(startCtx, network.Enable()); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	logger.Debug("browser started", "headless", opts.Headless)
	return d, nil
}

func (d *ChromeDriver) onEvent(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Request == nil {
			return
		}
		d.rec.Request(string(e.RequestID), e.Request.Method, e.Request.URL, flattenHeaders(e.Request.Headers))
	case *network.EventResponseReceived:
		if e.Response == nil {
			return
		}
		d.rec.Response(string(e.RequestID), int(e.Response.Status), e.Response.MimeType, flattenHeaders(e.Response.Headers))
	}
}

// run executes actions on the main tab under the step timeout. The caller's
// ctx bounds it too, but cancelling it never tears down the tab.
func (d *ChromeDriver) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if !d.mu.TryLock() {
		return types.ErrDriverBusy
	}
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return d.runLocked(ctx, d.tabCtx, timeout, actions...)
}

func (d *ChromeDriver) runLocked(ctx, tab context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	tctx, cancel := context.WithTimeout(tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(tctx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (d *ChromeDriver) Navigate(ctx context.Context, url string) error {
	if err := d.run(ctx, d.opts.StepTimeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (d *ChromeDriver) CurrentURL(ctx context.Context) (string, error) {
	var u string
	if err := d.run(ctx, d.opts.StepTimeout, chromedp.Location(&u)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return u, nil
}

func (d *ChromeDriver) HTML(ctx context.Context) (string, error) {
	var html string
	if err := d.run(ctx, d.opts.StepTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

func (d *ChromeDriver) Fill(ctx context.Context, selector, value string) error {
	err := d.run(ctx, d.opts.StepTimeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("fill %s: %w", selector, err)
	}
	return nil
}

func (d *ChromeDriver) Click(ctx context.Context, selector string, mode ClickMode) error {
	if err := d.run(ctx, d.opts.StepTimeout, clickAction(selector, mode)); err != nil {
		return fmt.Errorf("%s click %s: %w", mode, selector, err)
	}
	return nil
}

func (d *ChromeDriver) WaitVisible(ctx context.Context, selector string) error {
	if err := d.run(ctx, d.opts.StepTimeout, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait %s: %w", selector, err)
	}
	return nil
}

func (d *ChromeDriver) Cookies(ctx context.Context) ([]types.Cookie, error) {
	var raw []*network.Cookie
	err := d.run(ctx, d.opts.StepTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		req := network.GetCookies()
		if len(d.opts.CookieURLs) > 0 {
			req = req.WithURLs(d.opts.CookieURLs)
		}
		cookies, err := req.Do(ctx)
		if err != nil {
			return err
		}
		raw = cookies
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}
	out := make([]types.Cookie, 0, len(raw))
	for _, c := range raw {
		ck := types.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			ck.Expires = time.Unix(int64(c.Expires), 0).UTC()
		}
		out = append(out, ck)
	}
	return out, nil
}

func (d *ChromeDriver) SetCookies(ctx context.Context, cookies []types.Cookie) error {
	err := d.run(ctx, d.opts.StepTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			req := network.SetCookie(c.Name, c.Value).
				WithDomain(strings.TrimPrefix(c.Domain, ".")).
				WithPath(c.Path).
				WithSecure(c.Secure).
				WithHTTPOnly(c.HTTPOnly)
			if !c.Expires.IsZero() && c.Expires.After(time.Now()) {
				exp := cdp.TimeSinceEpoch(c.Expires)
				req = req.WithExpires(&exp)
			}
			if err := req.Do(ctx); err != nil {
				return fmt.Errorf("cookie %s: %w", c.Name, err)
			}
		}
		return nil
	}))
	if err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

func (d *ChromeDriver) OpenPopup(ctx context.Context, selector string, mode ClickMode) (*Popup, error) {
	if !d.mu.TryLock() {
		return nil, types.ErrDriverBusy
	}
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	waitCtx, cancel := context.WithTimeout(d.tabCtx, d.opts.PopupTimeout)
	defer cancel()
	var (
		urlMu  sync.Mutex
		popURL string
	)
	ch := chromedp.WaitNewTarget(waitCtx, func(info *target.Info) bool {
		if info.Type != "page" || info.URL == "" || info.URL == "about:blank" {
			return false
		}
		urlMu.Lock()
		popURL = info.URL
		urlMu.Unlock()
		return true
	})

	if err := d.runLocked(ctx, d.tabCtx, d.opts.StepTimeout, clickAction(selector, mode)); err != nil {
		return nil, fmt.Errorf("%s click %s: %w", mode, selector, err)
	}

	select {
	case id, ok := <-ch:
		if !ok {
			return nil, errors.New("popup listener closed")
		}
		urlMu.Lock()
		p := &Popup{URL: popURL, TargetID: string(id)}
		urlMu.Unlock()
		d.popups[p.TargetID] = struct{}{}
		return p, nil
	case <-waitCtx.Done():
		return nil, fmt.Errorf("wait popup after %s: %w", selector, waitCtx.Err())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *ChromeDriver) ClosePopup(ctx context.Context, p *Popup) error {
	if p == nil {
		return nil
	}
	if !d.mu.TryLock() {
		return types.ErrDriverBusy
	}
	defer d.mu.Unlock()
	if _, ok := d.popups[p.TargetID]; !ok {
		return nil
	}
	delete(d.popups, p.TargetID)
	popCtx, popCancel := chromedp.NewContext(d.tabCtx, chromedp.WithTargetID(target.ID(p.TargetID)))
	defer popCancel()
	if err := d.runLocked(ctx, popCtx, d.opts.StepTimeout, page.Close()); err != nil {
		return fmt.Errorf("close popup: %w", err)
	}
	return nil
}

func (d *ChromeDriver) NetworkLog() []types.TrafficLog {
	return d.rec.Logs()
}

// Close shuts the browser down. It waits for any in-flight call.
func (d *ChromeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	clear(d.popups)
	d.tabCancel()
	d.allocCancel()
	d.logger.Debug("browser closed")
	return nil
}

func clickAction(selector string, mode ClickMode) chromedp.Action {
	if mode == ClickScripted {
		return chromedp.ActionFunc(func(ctx context.Context) error {
			var ok bool
			js := fmt.Sprintf(`(function(){var el=document.querySelector(%q);if(!el){return false;}el.click();return true;})()`, selector)
			if err := chromedp.Evaluate(js, &ok).Do(ctx); err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("element %s not found", selector)
			}
			return nil
		})
	}
	return chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)
}

func flattenHeaders(h network.Headers) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = fmt.Sprint(v)
	}
	return out
}
