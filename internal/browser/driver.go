package browser

import (
	"context"
	"errors"

	"github.com/yourorg/taxsync/pkg/types"
)

// ClickMode selects how a click is delivered to the page.
type ClickMode int

const (
	// ClickNative dispatches real mouse events at the element's position.
	ClickNative ClickMode = iota
	// ClickScripted calls element.click() from page script. It still works
	// when an overlay sits on top of the element.
	ClickScripted
)

func (m ClickMode) String() string {
	if m == ClickScripted {
		return "scripted"
	}
	return "native"
}

// Popup is a browser tab opened as a side effect of a click.
type Popup struct {
	URL      string
	TargetID string
}

// ErrClosed is returned by drivers used after Close.
var ErrClosed = errors.New("browser: driver closed")

// Driver owns one automated browser. Implementations are not safe for
// concurrent use: a call made while another is in flight fails with
// types.ErrDriverBusy.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string, mode ClickMode) error
	WaitVisible(ctx context.Context, selector string) error
	Cookies(ctx context.Context) ([]types.Cookie, error)
	SetCookies(ctx context.Context, cookies []types.Cookie) error
	// OpenPopup clicks selector and waits for the tab it opens to load a URL.
	OpenPopup(ctx context.Context, selector string, mode ClickMode) (*Popup, error)
	ClosePopup(ctx context.Context, p *Popup) error
	NetworkLog() []types.TrafficLog
	Close() error
}
