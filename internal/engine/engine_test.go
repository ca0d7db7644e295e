package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fakeyudi/capwatch/internal/classify"
	"github.com/fakeyudi/capwatch/internal/extract"
	"github.com/fakeyudi/capwatch/internal/logging"
	"github.com/fakeyudi/capwatch/internal/page"
	"github.com/fakeyudi/capwatch/internal/record"
	"github.com/fakeyudi/capwatch/internal/retry"
	"github.com/fakeyudi/capwatch/internal/session"
	"github.com/fakeyudi/capwatch/internal/usage"
)

const usageURL = "https://claude.ai/settings/usage"

func row(label, reset, percentText string) string {
	return fmt.Sprintf(`<div class="flex">
  <div><p class="text-text-500 whitespace-nowrap text-sm">%s</p>
  <p class="text-text-500 whitespace-nowrap text-sm">%s</p></div>
  <span class="text-text-300 whitespace-nowrap w-20 text-right">%s</span>
</div>`, label, reset, percentText)
}

var usageHTML = "<html><body><main><h1>Usage</h1><section>" + strings.Join([]string{
	row("Current session", "Resets in 4 hr 12 min", "3% used"),
	row("All models", "Resets Thu 9:00 AM", "36% used"),
	row("Opus only", "Resets Mar 15, 7:30 PM", "19% used"),
}, "\n") + "</section></main></body></html>"

const challengeHTML = `<html><body><div id="cf-challenge"><h1>Just a moment...</h1>
<p>Checking your browser before accessing claude.ai.</p></div></body></html>`

type staticPage struct {
	*page.Static
	closed bool
}

func (p *staticPage) Close() error {
	p.closed = true
	return nil
}

type fixture struct {
	eng      *Engine
	store    session.Store
	writer   *record.Writer
	lease    *page.Lease
	pages    []*staticPage
	visible  []bool
	snapshot func() *page.Static
}

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:      2,
		Base:             time.Millisecond,
		Cap:              2 * time.Millisecond,
		ChallengeWindow:  30 * time.Millisecond,
		ChallengePoll:    5 * time.Millisecond,
		CircuitThreshold: 5,
		CircuitCooldown:  time.Minute,
	}
}

func newFixture(t *testing.T, snapshot func() *page.Static) *fixture {
	t.Helper()
	dir := t.TempDir()
	logger := logging.Discard()

	store, err := session.NewStore(dir, 7*24*time.Hour, logger)
	require.NoError(t, err)

	f := &fixture{
		store:    store,
		writer:   record.NewWriter(filepath.Join(dir, record.FileName), 10, "test", logger),
		lease:    page.NewLease(dir, logger),
		snapshot: snapshot,
	}
	coord := retry.New(fastPolicy(), logger,
		retry.WithSleep(func(context.Context, time.Duration) error { return nil }))

	f.eng, err = New(Options{
		URL:               usageURL,
		NavigationTimeout: time.Second,
		ProfileDir:        filepath.Join(dir, "profile"),
		Sessions:          store,
		Lease:             f.lease,
		Launch: func(ctx context.Context, visible bool) (Page, error) {
			p := &staticPage{Static: f.snapshot()}
			f.pages = append(f.pages, p)
			f.visible = append(f.visible, visible)
			return p, nil
		},
		Pipeline:    extract.New(logger),
		Coordinator: coord,
		Writer:      f.writer,
		Logger:      logger,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) saveSession(t *testing.T, capturedAt time.Time) {
	t.Helper()
	cookies := json.RawMessage(`[{"name":"sessionKey","value":"sk-test","domain":".claude.ai"}]`)
	require.NoError(t, f.store.Save(session.New(cookies, "", capturedAt)))
}

func staticOf(html string) func() *page.Static {
	return func() *page.Static { return page.FromHTML(usageURL, html) }
}

func TestPollOnceCommitsSuccessfulResult(t *testing.T) {
	f := newFixture(t, staticOf(usageHTML))
	f.saveSession(t, time.Now().Add(-time.Hour))

	res, err := f.eng.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, usage.StatusOK, res.Status)
	require.Equal(t, 3, res.FoundCount)

	require.Len(t, f.pages, 1)
	require.True(t, f.pages[0].closed)
	require.Equal(t, []bool{false}, f.visible)
	require.Equal(t, []string{usageURL}, f.pages[0].Navigations())
	cookies, err := f.pages[0].ExportCookies(context.Background())
	require.NoError(t, err)
	require.Contains(t, string(cookies), "sk-test")

	rec, err := record.Read(f.writer.Path())
	require.NoError(t, err)
	require.NotNil(t, rec.Current)
	require.Equal(t, res.AttemptID, rec.Current.AttemptID)
	require.Len(t, rec.History, 1)
	require.Empty(t, f.lease.Owner())
}

func TestPollOnceWithoutSessionRequiresLogin(t *testing.T) {
	f := newFixture(t, staticOf(usageHTML))

	res, err := f.eng.PollOnce(context.Background())
	require.Error(t, err)
	require.Equal(t, classify.SessionRequired, classify.KindOf(err))
	require.Equal(t, usage.StatusError, res.Status)
	require.Empty(t, f.pages, "no page is opened without a session")

	rec, err := record.Read(f.writer.Path())
	require.NoError(t, err)
	require.Nil(t, rec.Current)
	require.Equal(t, "session_required", rec.LastAttempt.ErrorKind)
	require.NotEmpty(t, rec.LastAttempt.AttemptID)
	require.Zero(t, f.eng.Coordinator().State().ConsecutiveFailures)
}

func TestPollOnceStaleSessionIsExpired(t *testing.T) {
	f := newFixture(t, staticOf(usageHTML))
	f.saveSession(t, time.Now().Add(-8*24*time.Hour))

	_, err := f.eng.PollOnce(context.Background())
	require.Equal(t, classify.SessionExpired, classify.KindOf(err))
}

func TestPollOnceLoginRedirectExpiresSession(t *testing.T) {
	f := newFixture(t, func() *page.Static {
		return page.FromHTML("https://claude.ai/login?returnTo=%2Fsettings%2Fusage", "<html><body>Log in</body></html>")
	})
	f.saveSession(t, time.Now().Add(-time.Hour))

	_, err := f.eng.PollOnce(context.Background())
	require.Equal(t, classify.SessionExpired, classify.KindOf(err))

	s, err := f.store.Load()
	require.NoError(t, err)
	require.Equal(t, 1, s.ValidationFailures)

	_, err = f.eng.PollOnce(context.Background())
	require.Equal(t, classify.SessionExpired, classify.KindOf(err))
	_, err = f.store.Load()
	require.ErrorIs(t, err, session.ErrNoSession, "second failed validation invalidates the session")
}

// Scenario C: an unresolved challenge escalates to the normal retries and
// ends in an error that leaves the last good snapshot in place.
func TestPollOnceUnresolvedChallengeKeepsCurrent(t *testing.T) {
	html := usageHTML
	f := newFixture(t, func() *page.Static { return page.FromHTML(usageURL, html) })
	f.saveSession(t, time.Now().Add(-time.Hour))

	good, err := f.eng.PollOnce(context.Background())
	require.NoError(t, err)

	html = challengeHTML
	res, err := f.eng.PollOnce(context.Background())
	require.Error(t, err)
	require.Equal(t, classify.ChallengeDetected, classify.KindOf(err))
	require.Equal(t, usage.StatusError, res.Status)
	require.Equal(t, "challenge_detected", res.Diagnostics.ErrorKind)

	// One page for the retries of a single poll.
	require.Len(t, f.pages, 2)
	require.Len(t, f.pages[1].Navigations(), fastPolicy().MaxAttempts)

	rec, err := record.Read(f.writer.Path())
	require.NoError(t, err)
	require.Equal(t, good.AttemptID, rec.Current.AttemptID)
	require.Equal(t, usage.StatusOK, rec.Current.Status)
	require.Len(t, rec.History, 1)
	require.Equal(t, usage.StatusError, rec.LastAttempt.Status)
	require.Equal(t, "challenge_detected", rec.LastAttempt.ErrorKind)
	require.Equal(t, 1, f.eng.Coordinator().State().ConsecutiveFailures)
}

func TestPollOnceChallengeClearsWithinWindow(t *testing.T) {
	f := newFixture(t, func() *page.Static {
		return page.NewStatic(
			page.Snapshot{URL: usageURL, HTML: challengeHTML},
			page.Snapshot{URL: usageURL, HTML: usageHTML},
		)
	})
	f.saveSession(t, time.Now().Add(-time.Hour))

	res, err := f.eng.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, usage.StatusOK, res.Status)
	require.Len(t, f.pages, 1)
}

func TestPollOnceLeaseBusyIsFatal(t *testing.T) {
	f := newFixture(t, staticOf(usageHTML))
	f.saveSession(t, time.Now().Add(-time.Hour))

	release, err := f.lease.Acquire("login")
	require.NoError(t, err)
	defer release()

	_, err = f.eng.PollOnce(context.Background())
	require.ErrorIs(t, err, page.ErrBusy)
	require.Equal(t, classify.Fatal, classify.KindOf(err))
	require.Empty(t, f.pages)
	require.Equal(t, 1, f.eng.Coordinator().State().ConsecutiveFailures)
}

func TestPollOnceNavigationFailureIsRetried(t *testing.T) {
	f := newFixture(t, func() *page.Static {
		st := page.FromHTML(usageURL, usageHTML)
		st.FailNavigation(fmt.Errorf("%w: net::ERR_NAME_NOT_RESOLVED", page.ErrTimeout))
		return st
	})
	f.saveSession(t, time.Now().Add(-time.Hour))

	_, err := f.eng.PollOnce(context.Background())
	require.Equal(t, classify.NavigationFailed, classify.KindOf(err))
	require.Len(t, f.pages[0].Navigations(), fastPolicy().MaxAttempts)
}

func TestLoginCapturesSessionAndResetsBreaker(t *testing.T) {
	defer func(d time.Duration) { loginPoll = d }(loginPoll)
	loginPoll = 5 * time.Millisecond

	f := newFixture(t, func() *page.Static {
		st := page.NewStatic(
			page.Snapshot{URL: "https://claude.ai/login", HTML: "<html><body>Log in</body></html>"},
			page.Snapshot{URL: usageURL, HTML: usageHTML},
		)
		require.NoError(t, st.ImportCookies(context.Background(), json.RawMessage(`[{"name":"sessionKey","value":"fresh"}]`)))
		return st
	})

	// Trip one failure so the reset is observable.
	_, _ = f.eng.Coordinator().Run(context.Background(), retry.Op{
		Try: func(context.Context) (usage.PollResult, error) {
			return usage.PollResult{}, classify.Errorf(classify.Fatal, "boom")
		},
	})
	require.Equal(t, 1, f.eng.Coordinator().State().ConsecutiveFailures)

	s, err := f.eng.Login(context.Background(), time.Second)
	require.NoError(t, err)
	require.Contains(t, string(s.Cookies), "fresh")
	require.Equal(t, []bool{true}, f.visible)
	require.True(t, f.pages[0].closed)

	loaded, err := f.store.Load()
	require.NoError(t, err)
	require.Equal(t, s.Fingerprint, loaded.Fingerprint)
	require.Zero(t, f.eng.Coordinator().State().ConsecutiveFailures)
	require.True(t, f.eng.CheckSession().Fresh)
}

func TestLoginTimesOutOnLoginPage(t *testing.T) {
	defer func(d time.Duration) { loginPoll = d }(loginPoll)
	loginPoll = 5 * time.Millisecond

	f := newFixture(t, func() *page.Static {
		return page.FromHTML("https://claude.ai/login", "<html><body>Log in</body></html>")
	})

	_, err := f.eng.Login(context.Background(), 40*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, classify.SessionRequired, classify.KindOf(err))
	require.False(t, f.eng.CheckSession().Present)
}
