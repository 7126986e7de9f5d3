// Package portal talks to the tax portal's data endpoints with the cookies
// of a browser-acquired session, and classifies the pages the browser
// lands on.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/yourorg/taxsync/internal/config"
	"github.com/yourorg/taxsync/internal/logging"
	"github.com/yourorg/taxsync/pkg/types"
)

// TokenHeader carries the anti-bot token on every data call.
const TokenHeader = "X-Portal-Token"

const maxBodyBytes = 32 << 20

var sleepFn = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Client replays data calls with a session's cookies. It is safe for
// concurrent use; all calls share one rate limiter.
type Client struct {
	http       *http.Client
	base       *url.URL
	cfg        config.PortalConfig
	limiter    *rate.Limiter
	maxRetries int
	logger     *slog.Logger

	taxBody string
	taxDV   string
	token   string
	headers map[string]string
}

// New builds a client for sess. The session must carry the token cookie
// and a tenant tax id in CredentialRef.
func New(cfg *config.Config, sess *types.Session, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(cfg.Portal.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	body, dv := types.SplitTaxID(types.NormalizeTaxID(sess.CredentialRef))
	if body == "" || dv == "" {
		return nil, fmt.Errorf("%w: tenant tax id %q", types.ErrInvalidInput, sess.CredentialRef)
	}
	token, ok := sess.Cookie(cfg.Portal.TokenCookie)
	if !ok || token == "" {
		return nil, fmt.Errorf("%s cookie missing: %w", cfg.Portal.TokenCookie, types.ErrSessionExpired)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	jar.SetCookies(base, toHTTPCookies(sess.Cookies))

	markers := cfg.Portal.Markers
	hc := &http.Client{
		Jar:     jar,
		Timeout: cfg.Portal.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if IsLoginURL(req.URL.String(), markers) {
				return types.ErrSessionExpired
			}
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			return nil
		},
	}

	rps := cfg.Extraction.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	retries := cfg.Extraction.MaxRetries
	if retries < 1 {
		retries = 1
	}
	headers := make(map[string]string, len(sess.DerivedHeaders)+1)
	for k, v := range sess.DerivedHeaders {
		headers[k] = v
	}
	if _, ok := headers[TokenHeader]; !ok {
		headers[TokenHeader] = token
	}
	return &Client{
		http:       hc,
		base:       base,
		cfg:        cfg.Portal,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		maxRetries: retries,
		logger:     logging.OrDiscard(logger).With("tenant", sess.TenantID),
		taxBody:    body,
		taxDV:      dv,
		token:      token,
		headers:    headers,
	}, nil
}

// Summary fetches the per-type summary of a period. Rows that cannot be
// read are returned separately from the lines that could.
func (c *Client) Summary(ctx context.Context, p types.Period, dir types.Direction) ([]types.PeriodSummaryLine, []RowError, error) {
	data, err := c.post(ctx, c.cfg.Endpoints.Summary, c.query(p, dir, ""))
	if err != nil {
		return nil, nil, err
	}
	return decodeSummary(data)
}

// Details fetches the individual documents of one type.
func (c *Client) Details(ctx context.Context, p types.Period, dir types.Direction, typeCode string) ([]types.RawDocument, []RowError, error) {
	endpoint := c.cfg.Endpoints.PurchaseDetail
	if dir == types.DirectionSale {
		endpoint = c.cfg.Endpoints.SaleDetail
	}
	data, err := c.post(ctx, endpoint, c.query(p, dir, typeCode))
	if err != nil {
		return nil, nil, err
	}
	return decodeDetails(data, typeCode)
}

// DailyAggregates fetches per-day totals of a high-volume type.
func (c *Client) DailyAggregates(ctx context.Context, p types.Period, dir types.Direction, typeCode string) ([]DailyAggregate, []RowError, error) {
	data, err := c.post(ctx, c.cfg.Endpoints.DailyAggregate, c.query(p, dir, typeCode))
	if err != nil {
		return nil, nil, err
	}
	return decodeDaily(data)
}

func (c *Client) query(p types.Period, dir types.Direction, typeCode string) queryData {
	op := "COMPRA"
	if dir == types.DirectionSale {
		op = "VENTA"
	}
	return queryData{
		RutEmisor:     c.taxBody,
		DvEmisor:      c.taxDV,
		Period:        p.Compact(),
		Operation:     op,
		State:         "REGISTRO",
		TypeCode:      typeCode,
		InitialSearch: typeCode == "",
	}
}

// post sends one data call with bounded retries. Session expiry and 4xx
// answers are returned at once.
func (c *Client) post(ctx context.Context, endpoint string, data any) (json.RawMessage, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	target := c.base.ResolveReference(ref).String()

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		out, retry, err := c.do(ctx, target, data)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil || attempt == c.maxRetries-1 {
			break
		}
		wait := backoff(attempt)
		c.logger.Warn("portal call failed, retrying", "endpoint", endpoint, "attempt", attempt+1, "wait", wait.String(), "error", err)
		if err := sleepFn(ctx, wait); err != nil {
			return nil, errors.Join(err, lastErr)
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, target string, data any) (json.RawMessage, bool, error) {
	body, err := json.Marshal(request{
		MetaData: metaData{
			Namespace:      c.cfg.Endpoints.Namespace + "/" + methodName(target),
			ConversationID: c.token,
			TransactionID:  uuid.NewString(),
		},
		Data: data,
	})
	if err != nil {
		return nil, false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	// the data services reject calls that do not come from the list UI
	if c.cfg.ListURL != "" {
		req.Header.Set("Referer", c.cfg.ListURL)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, types.ErrSessionExpired) {
			return nil, false, types.ErrSessionExpired
		}
		return nil, ctx.Err() == nil, fmt.Errorf("post %s: %w", target, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, true, fmt.Errorf("read %s: %w", target, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, fmt.Errorf("status %d: %w", resp.StatusCode, types.ErrSessionExpired)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("status %d from %s", resp.StatusCode, target)
	case resp.StatusCode >= 300:
		return nil, false, fmt.Errorf("status %d from %s", resp.StatusCode, target)
	}
	if IsLoginURL(resp.Request.URL.String(), c.cfg.Markers) {
		return nil, false, types.ErrSessionExpired
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "html") {
			return nil, false, fmt.Errorf("html answer: %w", types.ErrSessionExpired)
		}
		return nil, false, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.State.Code {
	case codeOK:
		return env.Data, false, nil
	case codeNoData:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("portal code %d: %s", env.State.Code, env.State.Message)
	}
}

func methodName(target string) string {
	if i := strings.LastIndex(target, "/"); i >= 0 {
		return target[i+1:]
	}
	return target
}

func backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := 500 * time.Millisecond << attempt
	return base + rand.N(base/2+1)
}

func toHTTPCookies(in []types.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if hc.Path == "" {
			hc.Path = "/"
		}
		if !c.Expires.IsZero() {
			hc.Expires = c.Expires
		}
		out = append(out, hc)
	}
	return out
}
