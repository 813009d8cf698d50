// Package session keeps a logged-in SAM.gov browsing profile on disk and
// derives authenticated HTTP clients from it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/david/sam-harvester/internal/browser"
	"github.com/david/sam-harvester/internal/config"
	"github.com/go-resty/resty/v2"
)

// ErrNoSession is returned by Acquire when nothing has been persisted yet.
var ErrNoSession = errors.New("no persisted session; run with --login first")

const (
	profileDirName  = "profile"
	cookiesFileName = "cookies.json"
)

// Browser is the part of *browser.Browser the login flow needs.
type Browser interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) (string, error)
	Cookies(ctx context.Context) ([]*http.Cookie, error)
	Close() error
}

// Launcher starts a browser bound to a profile directory.
type Launcher func(ctx context.Context, opts browser.Options) (Browser, error)

// LaunchChrome is the default Launcher.
func LaunchChrome(ctx context.Context, opts browser.Options) (Browser, error) {
	return browser.Launch(ctx, opts)
}

// Store owns the on-disk session state under Dir.
type Store struct {
	Dir       string
	HomeURL   string
	LoginWait time.Duration
	Browser   config.BrowserConfig
	HTTP      config.HTTPConfig

	Launch  Launcher
	Confirm func(ctx context.Context) error
}

func NewStore(cfg *config.Config) *Store {
	s := &Store{
		Dir:       cfg.Session.Dir,
		HomeURL:   cfg.Session.HomeURL,
		LoginWait: cfg.Session.LoginWait(),
		Browser:   cfg.Browser,
		HTTP:      cfg.HTTP,
		Launch:    LaunchChrome,
	}
	s.Confirm = func(ctx context.Context) error {
		return WaitForOperator(ctx, os.Stdin, os.Stderr, s.LoginWait)
	}
	return s
}

// ProfileDir is the Chrome user-data directory.
func (s *Store) ProfileDir() string { return filepath.Join(s.Dir, profileDirName) }

// CookiesPath is where exported cookies are kept.
func (s *Store) CookiesPath() string { return filepath.Join(s.Dir, cookiesFileName) }

// Exists reports whether persisted session state is present.
func (s *Store) Exists() bool {
	info, err := os.Stat(s.CookiesPath())
	return err == nil && info.Size() > 0
}

// Prepare makes sure a persisted session exists. Without one, an
// interactive login is forced even when it was not requested. Any error is
// fatal for the run.
func (s *Store) Prepare(ctx context.Context, requireLogin bool) error {
	if !requireLogin && !s.Exists() {
		log.Printf("[Session] WARNING: no saved session in %s; starting interactive login", s.Dir)
		requireLogin = true
	}
	if !requireLogin {
		return s.verify(ctx)
	}
	return s.login(ctx)
}

// verify opens the saved profile headless and loads the home page so an
// unreachable origin stops the run before any item is attempted.
func (s *Store) verify(ctx context.Context) error {
	b, err := s.Launch(ctx, browser.Options{
		ProfileDir: s.ProfileDir(),
		Headless:   true,
		UserAgent:  s.Browser.UserAgent,
		Settle:     s.Browser.Settle(),
	})
	if err != nil {
		return fmt.Errorf("launch session browser: %w", err)
	}
	defer b.Close()

	if _, err := b.Navigate(ctx, s.HomeURL, s.Browser.PageTimeout()); err != nil {
		return fmt.Errorf("open %s: %w", s.HomeURL, err)
	}
	log.Printf("[Session] Reusing saved session from %s", s.Dir)
	return nil
}

func (s *Store) login(ctx context.Context) error {
	if err := os.MkdirAll(s.ProfileDir(), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	b, err := s.Launch(ctx, browser.Options{
		ProfileDir: s.ProfileDir(),
		Headless:   false,
		UserAgent:  s.Browser.UserAgent,
		Settle:     s.Browser.Settle(),
	})
	if err != nil {
		return fmt.Errorf("launch login browser: %w", err)
	}
	defer b.Close()

	if _, err := b.Navigate(ctx, s.HomeURL, s.Browser.PageTimeout()); err != nil {
		return fmt.Errorf("open %s: %w", s.HomeURL, err)
	}

	log.Printf("[Session] Log in to SAM.gov in the opened browser window")
	if s.Confirm != nil {
		if err := s.Confirm(ctx); err != nil {
			return fmt.Errorf("wait for login: %w", err)
		}
	}

	cookies, err := b.Cookies(ctx)
	if err != nil {
		return err
	}
	if len(cookies) == 0 {
		return errors.New("browser holds no cookies after login")
	}
	if err := s.saveCookies(cookies); err != nil {
		return err
	}
	log.Printf("[Session] Saved %d cookies to %s", len(cookies), s.CookiesPath())
	return nil
}

func (s *Store) saveCookies(cookies []*http.Cookie) error {
	data, err := json.MarshalIndent(cookies, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cookies: %w", err)
	}
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	if err := os.WriteFile(s.CookiesPath(), data, 0o600); err != nil {
		return fmt.Errorf("write cookies: %w", err)
	}
	return nil
}

// LoadCookies returns the persisted cookies.
func (s *Store) LoadCookies() ([]*http.Cookie, error) {
	data, err := os.ReadFile(s.CookiesPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}
	var cookies []*http.Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil, fmt.Errorf("decode cookies: %w", err)
	}
	if len(cookies) == 0 {
		return nil, ErrNoSession
	}
	return cookies, nil
}

// Context is the shared, read-only authenticated request context of a run.
type Context struct {
	Cookies    []*http.Cookie
	HTTP       *resty.Client
	ProfileDir string
	UserAgent  string
}

// Acquire builds a request context from the persisted state.
func (s *Store) Acquire() (*Context, error) {
	cookies, err := s.LoadCookies()
	if err != nil {
		return nil, err
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	for host, group := range groupByHost(cookies) {
		jar.SetCookies(&url.URL{Scheme: "https", Host: host, Path: "/"}, group)
	}

	client := resty.New()
	client.SetCookieJar(jar)
	client.SetTimeout(s.HTTP.Timeout())
	client.SetRetryCount(s.HTTP.MaxRetries)
	client.SetRetryWaitTime(s.HTTP.RetryWait())
	client.AddRetryCondition(func(resp *resty.Response, err error) bool {
		status := 0
		if resp != nil {
			status = resp.StatusCode()
		}
		return shouldRetry(err, status)
	})
	client.SetHeader("Accept", "application/json, text/plain, */*")
	if s.Browser.UserAgent != "" {
		client.SetHeader("User-Agent", s.Browser.UserAgent)
	}

	return &Context{
		Cookies:    cookies,
		HTTP:       client,
		ProfileDir: s.ProfileDir(),
		UserAgent:  s.Browser.UserAgent,
	}, nil
}

func groupByHost(cookies []*http.Cookie) map[string][]*http.Cookie {
	out := map[string][]*http.Cookie{}
	for _, c := range cookies {
		host := strings.TrimPrefix(c.Domain, ".")
		if host == "" {
			continue
		}
		out[host] = append(out[host], c)
	}
	return out
}

// shouldRetry retries timeouts, throttling and gateway-class failures.
func shouldRetry(err error, statusCode int) bool {
	if err != nil {
		if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
			return true
		}
		return false
	}
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
