// Package browser drives a Chrome instance bound to a persistent profile
// directory, so a SAM.gov login survives between runs.
package browser

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

type Options struct {
	ProfileDir string
	Headless   bool
	UserAgent  string
	Settle     time.Duration
	Verbose    bool
}

// Browser is one Chrome process with a single reusable tab. It is not safe
// for concurrent navigation.
type Browser struct {
	opts        Options
	tab         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
}

// Launch starts Chrome. The returned browser must be closed.
func Launch(ctx context.Context, opts Options) (*Browser, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(1366, 900),
	)
	if opts.ProfileDir != "" {
		allocOpts = append(allocOpts, chromedp.UserDataDir(opts.ProfileDir))
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)

	var ctxOpts []chromedp.ContextOption
	if opts.Verbose {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(log.Printf))
	}
	tab, cancelTab := chromedp.NewContext(allocCtx, ctxOpts...)

	// The first Run starts the process; it must not carry a timeout or the
	// browser would die with it.
	if err := chromedp.Run(tab); err != nil {
		cancelTab()
		cancelAlloc()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	return &Browser{opts: opts, tab: tab, cancelTab: cancelTab, cancelAlloc: cancelAlloc}, nil
}

// Navigate loads url, waits for the body and the settle delay, and returns
// the rendered document.
func (b *Browser) Navigate(ctx context.Context, url string, timeout time.Duration) (string, error) {
	runCtx, cancel := context.WithTimeout(b.tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var html string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(b.opts.Settle),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if runCtx.Err() != nil {
			return "", fmt.Errorf("navigate %s: %w", url, runCtx.Err())
		}
		return "", fmt.Errorf("navigate %s: %w", url, err)
	}
	if b.opts.Verbose {
		log.Printf("[Browser] rendered %s (%d bytes)", url, len(html))
	}
	return html, nil
}

// Cookies exports every cookie the profile currently holds.
func (b *Browser) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	var raw []*network.Cookie
	err := chromedp.Run(b.tab, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}

	cookies := make([]*http.Cookie, 0, len(raw))
	for _, c := range raw {
		cookie := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			cookie.Expires = time.Unix(int64(c.Expires), 0).UTC()
		}
		cookies = append(cookies, cookie)
	}
	return cookies, nil
}

func (b *Browser) Close() error {
	b.cancelTab()
	b.cancelAlloc()
	return nil
}
