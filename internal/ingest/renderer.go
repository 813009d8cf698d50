package ingest

import (
	"context"
	"time"
)

// PageRenderer returns the markup of an opportunity page. Implementations
// share one browsing session, so callers render one page at a time.
type PageRenderer interface {
	Render(ctx context.Context, pageURL string) (string, error)
}

// Navigator is satisfied by *browser.Browser.
type Navigator interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) (string, error)
}

// BrowserRenderer renders pages through a logged-in Chrome profile.
type BrowserRenderer struct {
	Browser Navigator
	Timeout time.Duration
}

func (r *BrowserRenderer) Render(ctx context.Context, pageURL string) (string, error) {
	return r.Browser.Navigate(ctx, pageURL, r.Timeout)
}
