// Package browser defines the browsing session contract the crawler drives,
// the response subscription hub, and a go-rod implementation.
package browser

import (
	"context"
	"strings"
	"time"
)

// WaitCondition selects the page lifecycle event a navigation waits for.
type WaitCondition string

const (
	WaitNone             WaitCondition = ""
	WaitDOMContentLoaded WaitCondition = "domcontentloaded"
	WaitLoad             WaitCondition = "load"
	WaitNetworkIdle      WaitCondition = "networkidle"
)

// Response is an intercepted network response.
type Response struct {
	URL    string
	Status int
	Body   []byte
}

// Matcher decides whether a response URL is of interest.
type Matcher func(url string) bool

// URLContains matches URLs containing any of the given fragments.
func URLContains(fragments ...string) Matcher {
	return func(url string) bool {
		for _, f := range fragments {
			if f != "" && strings.Contains(url, f) {
				return true
			}
		}
		return false
	}
}

// Identity is what a session presents to the site.
type Identity struct {
	UserAgent string
	// StatePath points at a saved login state (cookies). It is read, never written.
	StatePath string
}

// Browser opens sessions.
type Browser interface {
	Open(ctx context.Context, id Identity) (Session, error)
}

// Session is one browsing context owned by a single crawl run.
type Session interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is a tab inside a session. Selectors are opaque to the crawler; the
// prefix "text=" selects an element by its exact visible text and the prefix
// "xpath=" selects by XPath.
type Page interface {
	Navigate(ctx context.Context, url string, wait WaitCondition, timeout time.Duration) error
	Click(ctx context.Context, selector string, timeout time.Duration) error
	Fill(ctx context.Context, selector, text string, timeout time.Duration) error
	Press(ctx context.Context, key string) error
	Evaluate(ctx context.Context, js string) (string, error)
	Exists(ctx context.Context, selector string) (bool, error)
	Content(ctx context.Context) (string, error)
	Subscribe(m Matcher) *Subscription
	Close() error
}
