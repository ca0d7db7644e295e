package page

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Snapshot is one rendered state of a page.
type Snapshot struct {
	URL  string
	HTML string
}

// Static is an in-memory Handle over a sequence of HTML snapshots. Each
// WaitForChange advances to the next snapshot; once the last one is
// reached the page stops changing.
type Static struct {
	mu          sync.Mutex
	snapshots   []Snapshot
	idx         int
	docs        map[int]*goquery.Document
	cookies     json.RawMessage
	navigateErr error
	navigations []string
}

// NewStatic returns a Static handle showing the given snapshots in order.
func NewStatic(snapshots ...Snapshot) *Static {
	if len(snapshots) == 0 {
		snapshots = []Snapshot{{URL: "about:blank"}}
	}
	return &Static{snapshots: snapshots, docs: map[int]*goquery.Document{}}
}

// FromHTML returns a Static handle over a single snapshot.
func FromHTML(url, src string) *Static {
	return NewStatic(Snapshot{URL: url, HTML: src})
}

// FailNavigation makes every subsequent Navigate return err.
func (s *Static) FailNavigation(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navigateErr = err
}

// Navigations returns the URLs passed to Navigate so far.
func (s *Static) Navigations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.navigations...)
}

func (s *Static) Navigate(ctx context.Context, url string, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navigations = append(s.navigations, url)
	return s.navigateErr
}

func (s *Static) CurrentLocation(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshots[s.idx].URL, ctx.Err()
}

func (s *Static) ReadText(ctx context.Context) (string, error) {
	doc, err := s.doc()
	if err != nil {
		return "", err
	}
	return Text(doc.Selection), ctx.Err()
}

func (s *Static) ReadStructured(ctx context.Context, q Query) ([]Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := s.doc()
	if err != nil {
		return nil, err
	}
	return Select(doc, q)
}

func (s *Static) WaitForChange(ctx context.Context, timeout time.Duration) (bool, error) {
	s.mu.Lock()
	if s.idx < len(s.snapshots)-1 {
		s.idx++
		s.mu.Unlock()
		return true, nil
	}
	s.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-t.C:
		return false, nil
	}
}

func (s *Static) ExportCookies(context.Context) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cookies == nil {
		return json.RawMessage(`[]`), nil
	}
	return s.cookies, nil
}

func (s *Static) ImportCookies(_ context.Context, cookies json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies = cookies
	return nil
}

func (s *Static) doc() (*goquery.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[s.idx]; ok {
		return d, nil
	}
	d, err := ParseHTML(s.snapshots[s.idx].HTML)
	if err != nil {
		return nil, err
	}
	s.docs[s.idx] = d
	return d, nil
}

var (
	_ Handle    = (*Static)(nil)
	_ CookieJar = (*Static)(nil)
)
