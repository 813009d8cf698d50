package ingest

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// CollyRenderer fetches opportunity pages without a browser. It replays the
// persisted session cookies, so it sees what a logged-in client sees minus
// anything rendered by JavaScript.
type CollyRenderer struct {
	UserAgent      string
	MaxRetries     int
	RequestTimeout time.Duration
	MaxBodySize    int // bytes, 0 = unlimited
	Cookies        []*http.Cookie
	Debug          bool
}

// NewCollyRenderer creates a CollyRenderer with sensible defaults.
func NewCollyRenderer(cookies []*http.Cookie) *CollyRenderer {
	return &CollyRenderer{
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		MaxRetries:     2,
		RequestTimeout: 60 * time.Second,
		MaxBodySize:    10 * 1024 * 1024,
		Cookies:        cookies,
	}
}

func (r *CollyRenderer) buildCollector(ctx context.Context) *colly.Collector {
	c := colly.NewCollector(
		colly.UserAgent(r.UserAgent),
		colly.MaxBodySize(r.MaxBodySize),
		colly.AllowURLRevisit(),
		colly.DetectCharset(),
		colly.StdlibContext(ctx),
	)
	c.SetRequestTimeout(r.RequestTimeout)
	return c
}

// Render implements PageRenderer.
func (r *CollyRenderer) Render(ctx context.Context, pageURL string) (string, error) {
	c := r.buildCollector(ctx)
	if len(r.Cookies) > 0 {
		if err := c.SetCookies(pageURL, r.Cookies); err != nil {
			return "", fmt.Errorf("set cookies: %w", err)
		}
	}

	var (
		body     string
		fetchErr error
	)
	c.OnResponse(func(resp *colly.Response) {
		body = string(resp.Body)
		fetchErr = nil
	})
	c.OnError(func(resp *colly.Response, err error) {
		retries, _ := resp.Request.Ctx.GetAny("retries").(int)
		if retries < r.MaxRetries && ctx.Err() == nil && retryable(resp.StatusCode) {
			resp.Request.Ctx.Put("retries", retries+1)
			log.Printf("[Colly] Retry %d/%d for %s: %v", retries+1, r.MaxRetries, resp.Request.URL, err)
			time.Sleep(time.Duration(retries+1) * time.Second)
			if retryErr := resp.Request.Retry(); retryErr == nil {
				return
			}
		}
		if resp.StatusCode != 0 {
			fetchErr = &StatusError{URL: pageURL, StatusCode: resp.StatusCode}
			return
		}
		fetchErr = err
	})
	if r.Debug {
		c.OnRequest(func(req *colly.Request) {
			log.Printf("[Colly] GET %s", req.URL)
		})
	}

	if err := c.Visit(pageURL); err != nil && fetchErr == nil {
		fetchErr = err
	}
	if fetchErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("render %s: %w", pageURL, ctxErr)
		}
		return "", fmt.Errorf("render %s: %w", pageURL, fetchErr)
	}
	return body, nil
}

// retryable reports whether a status is worth another attempt: transport
// failures (0), throttling and server errors.
func retryable(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}
