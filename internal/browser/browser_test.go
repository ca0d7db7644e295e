package browser

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/fakeyudi/capwatch/internal/logging"
)

func TestCookieParamsSkipsExpiredAndSessionCookies(t *testing.T) {
	now := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)
	cookies := []*network.Cookie{
		{Name: "sessionKey", Value: "abc", Domain: ".claude.ai", Path: "/", Secure: true, HTTPOnly: true,
			SameSite: network.CookieSameSiteLax, Expires: float64(now.Add(24 * time.Hour).Unix())},
		{Name: "stale", Value: "x", Domain: ".claude.ai", Expires: float64(now.Add(-time.Hour).Unix())},
		{Name: "browser_session", Value: "y", Domain: "claude.ai", Session: true},
		nil,
		{Name: ""},
	}

	params := cookieParams(cookies, now)
	require.Len(t, params, 2)

	require.Equal(t, "sessionKey", params[0].Name)
	require.True(t, params[0].Secure)
	require.True(t, params[0].HTTPOnly)
	require.Equal(t, network.CookieSameSiteLax, params[0].SameSite)
	require.NotNil(t, params[0].Expires)
	require.Equal(t, now.Add(24*time.Hour).Unix(), params[0].Expires.Time().Unix())

	require.Equal(t, "browser_session", params[1].Name)
	require.Nil(t, params[1].Expires)
}

func TestLaunchKeepsBrowserContextAlive(t *testing.T) {
	var started context.Context
	orig := startBrowser
	startBrowser = func(ctx context.Context) error {
		started = ctx
		return nil
	}
	t.Cleanup(func() { startBrowser = orig })

	ctx, cancel := context.WithCancel(context.Background())
	d, err := Launch(ctx, Options{ProfileDir: t.TempDir(), Headless: true, Logger: logging.Discard()})
	require.NoError(t, err)
	require.NotNil(t, started)

	// Chrome lives as long as the context it was started on.
	cancel()
	require.NoError(t, started.Err())
	require.True(t, d.ctx == started)

	require.NoError(t, d.Close())
	require.Error(t, started.Err())
}

func TestLaunchAbortsWhenStartupCancelled(t *testing.T) {
	orig := startBrowser
	startBrowser = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	t.Cleanup(func() { startBrowser = orig })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Launch(ctx, Options{ProfileDir: t.TempDir(), Logger: logging.Discard()})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
