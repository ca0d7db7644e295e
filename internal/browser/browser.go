// Package browser drives a real Chrome instance through chromedp and
// exposes it as a page.Handle.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/fakeyudi/capwatch/internal/page"
)

// Options configures a browser launch.
type Options struct {
	ProfileDir string // persistent user-data dir, keeps the login between runs
	Headless   bool
	UserAgent  string
	Logger     *slog.Logger
}

// Driver is a running browser with a single tab.
type Driver struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	logger      *slog.Logger
}

const (
	// changePoll is how often WaitForChange samples the page text.
	changePoll = 250 * time.Millisecond
	// closeTimeout bounds the graceful Browser.close on Close.
	closeTimeout = 10 * time.Second
)

// startBrowser runs the first action on the browser context. chromedp
// allocates Chrome on the context of the first Run, so this must be the
// long-lived browser context and never a per-call child of it.
var startBrowser = func(browserCtx context.Context) error {
	return chromedp.Run(browserCtx, network.Enable())
}

// Launch starts Chrome. The returned Driver must be closed.
func Launch(ctx context.Context, opts Options) (*Driver, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "browser")

	allocOpts := append([]chromedp.ExecAllocatorOption{},
		chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", opts.Headless),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if opts.ProfileDir != "" {
		if err := os.MkdirAll(opts.ProfileDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating browser profile: %w", err)
		}
		allocOpts = append(allocOpts, chromedp.UserDataDir(opts.ProfileDir))
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}

	// The browser outlives individual calls; ctx only bounds start-up.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...))
		}),
	)

	d := &Driver{ctx: browserCtx, cancel: cancel, allocCancel: allocCancel, logger: logger}

	// Cancelling ctx during start-up tears the whole browser down.
	abort := context.AfterFunc(ctx, cancel)
	err := startBrowser(browserCtx)
	if !abort() && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("starting browser: %w", err)
	}
	logger.Info("browser started", "headless", opts.Headless, "profile", opts.ProfileDir)
	return d, nil
}

// Close asks Chrome to exit, then releases the allocator.
func (d *Driver) Close() error {
	ctx, cancel := context.WithTimeout(d.ctx, closeTimeout)
	err := chromedp.Cancel(ctx)
	cancel()
	d.cancel()
	d.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Debug("browser close", "error", err)
	}
	return nil
}

// run executes actions on the tab, bounded by timeout (if positive) and
// cancelled with the caller's ctx.
func (d *Driver) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(d.ctx)
	defer cancel()
	if timeout > 0 {
		var tcancel context.CancelFunc
		runCtx, tcancel = context.WithTimeout(runCtx, timeout)
		defer tcancel()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (d *Driver) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	err := d.run(ctx, timeout, chromedp.Navigate(url))
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %s after %s", page.ErrTimeout, url, timeout)
	}
	if err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	return nil
}

func (d *Driver) CurrentLocation(ctx context.Context) (string, error) {
	var loc string
	if err := d.run(ctx, 0, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("reading location: %w", err)
	}
	return loc, nil
}

func (d *Driver) ReadText(ctx context.Context) (string, error) {
	var text string
	err := d.run(ctx, 0, chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text))
	if err != nil {
		return "", fmt.Errorf("reading page text: %w", err)
	}
	return text, nil
}

func (d *Driver) ReadStructured(ctx context.Context, q page.Query) ([]page.Node, error) {
	var html string
	if err := d.run(ctx, 0, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return nil, fmt.Errorf("reading page html: %w", err)
	}
	doc, err := page.ParseHTML(html)
	if err != nil {
		return nil, err
	}
	return page.Select(doc, q)
}

func (d *Driver) WaitForChange(ctx context.Context, timeout time.Duration) (bool, error) {
	before, err := d.ReadText(ctx)
	if err != nil {
		return false, err
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(changePoll)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-tick.C:
			now, err := d.ReadText(ctx)
			if err != nil {
				// Mid-navigation reads fail transiently.
				continue
			}
			if now != before {
				return true, nil
			}
		}
	}
}

// ExportCookies returns every cookie in the browser as JSON.
func (d *Driver) ExportCookies(ctx context.Context) (json.RawMessage, error) {
	var cookies []*network.Cookie
	err := d.run(ctx, 0, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("exporting cookies: %w", err)
	}
	return json.Marshal(cookies)
}

// ImportCookies installs cookies previously produced by ExportCookies.
func (d *Driver) ImportCookies(ctx context.Context, raw json.RawMessage) error {
	var cookies []*network.Cookie
	if err := json.Unmarshal(raw, &cookies); err != nil {
		return fmt.Errorf("decoding cookies: %w", err)
	}
	params := cookieParams(cookies, time.Now())
	if len(params) == 0 {
		return nil
	}
	err := d.run(ctx, 0, chromedp.ActionFunc(func(ctx context.Context) error {
		return network.SetCookies(params).Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("importing cookies: %w", err)
	}
	d.logger.Debug("cookies restored", "count", len(params))
	return nil
}

// cookieParams converts stored cookies into SetCookies parameters,
// skipping ones that have already expired.
func cookieParams(cookies []*network.Cookie, now time.Time) []*network.CookieParam {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: c.SameSite,
		}
		if c.Expires > 0 {
			exp := time.Unix(int64(c.Expires), 0)
			if !exp.After(now) {
				continue
			}
			ts := cdp.TimeSinceEpoch(exp)
			p.Expires = &ts
		}
		params = append(params, p)
	}
	return params
}

var (
	_ page.Handle    = (*Driver)(nil)
	_ page.CookieJar = (*Driver)(nil)
)
