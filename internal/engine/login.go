package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fakeyudi/capwatch/internal/classify"
	"github.com/fakeyudi/capwatch/internal/session"
)

// DefaultLoginTimeout bounds how long Login waits for the user to sign in.
const DefaultLoginTimeout = 5 * time.Minute

// loginStable is how many consecutive non-auth observations count as signed
// in; a single one can precede a client-side redirect to the login page.
const loginStable = 2

var loginPoll = 2 * time.Second

// Login opens a visible page on the usage URL and waits for the user to
// finish signing in, then stores the browser's cookies as the new session
// and closes the breaker.
func (e *Engine) Login(ctx context.Context, timeout time.Duration) (*session.Session, error) {
	if timeout <= 0 {
		timeout = DefaultLoginTimeout
	}
	release, err := e.lease.Acquire("login")
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pg, err := e.launch(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}
	defer pg.Close()

	if err := pg.Navigate(ctx, e.url, e.navTimeout); err != nil {
		return nil, classify.New(classify.NavigationFailed, err)
	}
	e.logger.Info("waiting for sign-in in the browser window", "url", e.url, "timeout", timeout)

	streak := 0
	for streak < loginStable {
		loc, err := pg.CurrentLocation(ctx)
		if err == nil && signedIn(loc) {
			streak++
		} else {
			streak = 0
		}
		if streak >= loginStable {
			break
		}
		if _, err := pg.WaitForChange(ctx, loginPoll); err != nil && ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, classify.Errorf(classify.SessionRequired, "sign-in not completed within %s", timeout)
			}
			return nil, ctx.Err()
		}
	}

	cookies, err := pg.ExportCookies(ctx)
	if err != nil {
		return nil, err
	}
	s := session.New(cookies, e.profileDir, e.now().UTC())
	if err := e.sessions.Save(s); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}
	e.coord.Reset()
	e.logger.Info("session captured", "fingerprint", s.Fingerprint)
	return s, nil
}

func signedIn(location string) bool {
	if !strings.HasPrefix(location, "http") {
		return false
	}
	return !classify.IsAuthLocation(location)
}
