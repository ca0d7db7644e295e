// Package page defines the capability the extraction engine needs from a
// rendered page, plus helpers shared by every implementation of it.
package page

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrBusy is returned when the automation resource already has an owner.
	ErrBusy = errors.New("page resource is held by another owner")
	// ErrTimeout is returned when navigation does not finish in time.
	ErrTimeout = errors.New("page navigation timed out")
)

// Handle is a rendered page the engine can drive.
type Handle interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	CurrentLocation(ctx context.Context) (string, error)
	ReadText(ctx context.Context) (string, error)
	ReadStructured(ctx context.Context, q Query) ([]Node, error)
	// WaitForChange blocks until the page content changes or timeout
	// elapses, reporting whether a change was observed.
	WaitForChange(ctx context.Context, timeout time.Duration) (bool, error)
}

// CookieJar is implemented by handles that can move authentication cookies
// in and out of the underlying browser.
type CookieJar interface {
	ExportCookies(ctx context.Context) (json.RawMessage, error)
	ImportCookies(ctx context.Context, cookies json.RawMessage) error
}

// Query selects nodes from a page.
//
// With an Anchor, the search is scoped to the nearest ancestor (at most
// MaxDepth levels up) of the deepest element whose text contains Anchor,
// and only the first ancestor level that yields matches is returned.
type Query struct {
	Selector string
	Anchor   string
	MaxDepth int
}

// Node is a snapshot of one matched element.
type Node struct {
	Tag           string            `json:"tag"`
	Text          string            `json:"text"`
	Attrs         map[string]string `json:"attrs,omitempty"`
	ContainerText string            `json:"container_text,omitempty"`
	Depth         int               `json:"depth,omitempty"` // ancestor level the match was found at
}

// Attr returns the named attribute, if present.
func (n Node) Attr(name string) (string, bool) {
	v, ok := n.Attrs[name]
	return v, ok
}
