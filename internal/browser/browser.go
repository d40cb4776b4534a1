// Package browser owns the browser-automation capability consumed by the
// runner: one Chrome process per session, started lazily on first use, with
// a default page plus a named-page table for multi-page scenarios.
package browser

import (
	"context"
	"errors"
)

// Errors
var (
	ErrSessionClosed = errors.New("browser session closed")
)

// Page is the narrow page surface handed to executing test code. The
// chromedp implementation satisfies it; tests substitute fakes.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Title(ctx context.Context) (string, error)
	URL(ctx context.Context) (string, error)
	Text(ctx context.Context, selector string) (string, error)
	Click(ctx context.Context, selector string) error
	WaitVisible(ctx context.Context, selector string) error
	Evaluate(ctx context.Context, expression string, out interface{}) error
}

// State is the lifecycle state of a Session.
type State int

const (
	StateUninitialized State = iota
	StateBrowserStarted
	StatePageReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBrowserStarted:
		return "browser_started"
	case StatePageReady:
		return "page_ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
