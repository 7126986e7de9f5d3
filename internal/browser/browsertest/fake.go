// Package browsertest provides a scripted in-memory browser.Driver.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/yourorg/taxsync/internal/browser"
	"github.com/yourorg/taxsync/pkg/types"
)

// ErrIntercepted mimics a click swallowed by an overlay.
var ErrIntercepted = errors.New("browsertest: click intercepted")

// FakeDriver serves canned pages and reacts to clicks with scripted
// callbacks. The zero value is not usable; call New.
type FakeDriver struct {
	mu sync.Mutex

	url     string
	pages   map[string]string
	cookies []types.Cookie

	// URLQueue, when set, is consumed by CurrentURL one entry per call;
	// the last entry sticks.
	URLQueue []string
	// OnClick runs after a successful click on a selector.
	OnClick map[string]func(f *FakeDriver)
	// NativeFails counts native clicks on a selector that will still fail.
	NativeFails map[string]int
	// ScriptedFails counts scripted clicks on a selector that will still fail.
	ScriptedFails map[string]int
	// Hidden selectors fail WaitVisible and Fill.
	Hidden map[string]bool
	// Popups maps a trigger selector to the URL of the tab it opens. The URL
	// may depend on the current page, so it is resolved at click time.
	Popups map[string]func(f *FakeDriver) string
	// Redirects maps a navigated URL to the URL the browser ends up on.
	Redirects map[string]string
	// NavigateErr, when set, fails every Navigate.
	NavigateErr error

	Fills     map[string]string
	Clicks    []string
	Navigated []string
	Closed    bool
	OpenTabs  int

	traffic []types.TrafficLog
	nextTab int
}

var _ browser.Driver = (*FakeDriver)(nil)

// New returns an empty fake sitting on about:blank.
func New() *FakeDriver {
	return &FakeDriver{
		url:           "about:blank",
		pages:         make(map[string]string),
		OnClick:       make(map[string]func(*FakeDriver)),
		NativeFails:   make(map[string]int),
		ScriptedFails: make(map[string]int),
		Hidden:        make(map[string]bool),
		Popups:        make(map[string]func(*FakeDriver) string),
		Fills:         make(map[string]string),
		Redirects:     make(map[string]string),
	}
}

// SetPage registers the HTML served for url.
func (f *FakeDriver) SetPage(url, html string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = html
}

// SetURL moves the fake to url without recording a navigation. It is meant
// for OnClick callbacks, which run with the lock released.
func (f *FakeDriver) SetURL(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.url = url
	f.URLQueue = nil
}

// AddCookie adds or replaces a cookie by name.
func (f *FakeDriver) AddCookie(c types.Cookie) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCookieLocked(c)
}

// AddTraffic appends an entry to the network log.
func (f *FakeDriver) AddTraffic(l types.TrafficLog) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.traffic = append(f.traffic, l)
}

func (f *FakeDriver) addCookieLocked(c types.Cookie) {
	for i := range f.cookies {
		if f.cookies[i].Name == c.Name {
			f.cookies[i] = c
			return
		}
	}
	f.cookies = append(f.cookies, c)
}

func (f *FakeDriver) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Closed {
		return browser.ErrClosed
	}
	if f.NavigateErr != nil {
		return f.NavigateErr
	}
	f.Navigated = append(f.Navigated, url)
	if to, ok := f.Redirects[url]; ok {
		url = to
	}
	f.url = url
	f.URLQueue = nil
	return nil
}

func (f *FakeDriver) CurrentURL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.URLQueue) > 0 {
		f.url = f.URLQueue[0]
		if len(f.URLQueue) > 1 {
			f.URLQueue = f.URLQueue[1:]
		}
	}
	return f.url, nil
}

func (f *FakeDriver) HTML(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pages[f.url], nil
}

func (f *FakeDriver) Fill(ctx context.Context, selector, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Hidden[selector] {
		return fmt.Errorf("fill %s: not visible", selector)
	}
	f.Fills[selector] = value
	return nil
}

func (f *FakeDriver) Click(ctx context.Context, selector string, mode browser.ClickMode) error {
	if err := f.click(ctx, selector, mode); err != nil {
		return err
	}
	f.runOnClick(selector)
	return nil
}

func (f *FakeDriver) click(ctx context.Context, selector string, mode browser.ClickMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Closed {
		return browser.ErrClosed
	}
	f.Clicks = append(f.Clicks, mode.String()+":"+selector)
	if f.Hidden[selector] {
		return fmt.Errorf("click %s: not visible", selector)
	}
	fails := f.NativeFails
	if mode == browser.ClickScripted {
		fails = f.ScriptedFails
	}
	if fails[selector] != 0 {
		if fails[selector] > 0 {
			fails[selector]--
		}
		return ErrIntercepted
	}
	return nil
}

func (f *FakeDriver) runOnClick(selector string) {
	f.mu.Lock()
	fn := f.OnClick[selector]
	f.mu.Unlock()
	if fn != nil {
		fn(f)
	}
}

func (f *FakeDriver) WaitVisible(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Hidden[selector] {
		return fmt.Errorf("wait %s: not visible", selector)
	}
	return nil
}

func (f *FakeDriver) Cookies(ctx context.Context) ([]types.Cookie, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Cookie(nil), f.cookies...), nil
}

func (f *FakeDriver) SetCookies(ctx context.Context, cookies []types.Cookie) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range cookies {
		f.addCookieLocked(c)
	}
	return nil
}

func (f *FakeDriver) OpenPopup(ctx context.Context, selector string, mode browser.ClickMode) (*browser.Popup, error) {
	if err := f.click(ctx, selector, mode); err != nil {
		return nil, err
	}
	f.mu.Lock()
	fn := f.Popups[selector]
	f.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("no popup opened by %s", selector)
	}
	u := fn(f)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTab++
	f.OpenTabs++
	return &browser.Popup{URL: u, TargetID: fmt.Sprintf("tab-%d", f.nextTab)}, nil
}

func (f *FakeDriver) ClosePopup(ctx context.Context, p *browser.Popup) error {
	if p == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenTabs > 0 {
		f.OpenTabs--
	}
	return nil
}

func (f *FakeDriver) NetworkLog() []types.TrafficLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.TrafficLog(nil), f.traffic...)
}

func (f *FakeDriver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
