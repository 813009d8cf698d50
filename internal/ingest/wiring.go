package ingest

import (
	"context"
	"fmt"
	"log"

	"github.com/david/sam-harvester/internal/browser"
	"github.com/david/sam-harvester/internal/config"
	"github.com/david/sam-harvester/internal/metrics"
	"github.com/david/sam-harvester/internal/session"
)

// NewRenderer builds the page renderer selected by cfg.Browser.Renderer.
// The returned close function releases the browser, if one was started.
func NewRenderer(ctx context.Context, cfg *config.Config, sc *session.Context, verbose bool) (PageRenderer, func() error, error) {
	switch cfg.Browser.Renderer {
	case config.RendererStatic:
		r := NewCollyRenderer(sc.Cookies)
		if sc.UserAgent != "" {
			r.UserAgent = sc.UserAgent
		}
		r.RequestTimeout = cfg.Browser.PageTimeout()
		r.MaxRetries = cfg.HTTP.MaxRetries
		r.Debug = verbose
		return r, func() error { return nil }, nil

	case config.RendererBrowser:
		b, err := browser.Launch(ctx, browser.Options{
			ProfileDir: sc.ProfileDir,
			Headless:   cfg.Browser.Headless,
			UserAgent:  cfg.Browser.UserAgent,
			Settle:     cfg.Browser.Settle(),
			Verbose:    verbose,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("launch renderer: %w", err)
		}
		log.Printf("[Pipeline] Rendering pages with Chrome (profile %s)", sc.ProfileDir)
		return &BrowserRenderer{Browser: b, Timeout: cfg.Browser.PageTimeout()}, b.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown renderer %q", cfg.Browser.Renderer)
	}
}

// NewControllerFromConfig wires a controller against the live portal.
func NewControllerFromConfig(cfg *config.Config, sc *session.Context, renderer PageRenderer) *Controller {
	client := NewSAMClient(sc.HTTP, cfg.Endpoints)
	c := NewController(client, renderer, "")
	c.IncludePayloads = cfg.Run.IncludePayloads
	return c
}

// HarvestOptions carry what a caller adds on top of the configuration for
// one run.
type HarvestOptions struct {
	RunOptions
	Concurrency int
	Mirror      Mirror
	Metrics     *metrics.Registry
	Verbose     bool
}

// Harvest runs one scrape against the live portal with the session
// persisted in store. The session must already exist.
func Harvest(ctx context.Context, cfg *config.Config, store *session.Store, opts HarvestOptions) (*RunSummary, error) {
	sc, err := store.Acquire()
	if err != nil {
		return nil, err
	}
	renderer, closeRenderer, err := NewRenderer(ctx, cfg, sc, opts.Verbose)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := closeRenderer(); err != nil {
			log.Printf("[Pipeline] WARNING: closing renderer: %v", err)
		}
	}()

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = cfg.Run.Concurrency
	}
	p := NewPipeline(NewControllerFromConfig(cfg, sc, renderer), concurrency)
	p.Mirror = opts.Mirror
	p.Metrics = opts.Metrics
	return p.Run(ctx, opts.RunOptions)
}
