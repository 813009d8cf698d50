package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/david/sam-harvester/internal/db"
	"github.com/david/sam-harvester/internal/ingest"
	"github.com/david/sam-harvester/internal/metrics"
	"github.com/david/sam-harvester/internal/session"
	"github.com/spf13/cobra"
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Harvest every opportunity listed in an input CSV",
	Long:  "Scrape reads the sam-url column of the input CSV, collects metadata and attachments for each link, merges the metadata table and writes a run manifest.",
	RunE:  runScrape,
}

var (
	scrapeInput       string
	scrapeOutDir      string
	scrapeLogin       bool
	scrapeLimit       int
	scrapeConcurrency int
)

func init() {
	scrapeCmd.Flags().StringVarP(&scrapeInput, "input", "i", "", "Input CSV with a sam-url column (required)")
	scrapeCmd.Flags().StringVarP(&scrapeOutDir, "out", "o", "output", "Output root directory")
	scrapeCmd.Flags().BoolVar(&scrapeLogin, "login", false, "Log in interactively before scraping")
	scrapeCmd.Flags().IntVar(&scrapeLimit, "limit", 0, "Process at most this many rows (0 for all)")
	scrapeCmd.Flags().IntVar(&scrapeConcurrency, "concurrency", 0, "Concurrent attachment downloads (default from config)")
	_ = scrapeCmd.MarkFlagRequired("input")

	rootCmd.AddCommand(scrapeCmd)
}

func runScrape(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := session.NewStore(cfg)
	if err := store.Prepare(ctx, scrapeLogin); err != nil {
		return fmt.Errorf("session: %w", err)
	}

	opts := ingest.HarvestOptions{
		RunOptions: ingest.RunOptions{
			InputCSV:  scrapeInput,
			OutputDir: scrapeOutDir,
			Limit:     scrapeLimit,
		},
		Concurrency: scrapeConcurrency,
		Metrics:     metrics.NewRegistry(),
		Verbose:     verbosity > 1,
	}

	if cfg.Database.URL != "" {
		mirror, closeMirror := openMirror(ctx, cfg.Database.URL)
		if mirror != nil {
			defer closeMirror()
			opts.Mirror = mirror
		}
	}

	summary, err := ingest.Harvest(ctx, cfg, store, opts)
	if err != nil {
		return err
	}
	ingest.WriteReport(cmd.OutOrStdout(), summary)
	log.Printf("[Pipeline] Manifest written to %s", summary.ManifestPath)
	return nil
}

// openMirror connects the optional Postgres mirror. A mirror that cannot be
// reached is skipped with a warning.
func openMirror(ctx context.Context, dbURL string) (*db.Store, func()) {
	store, pool, err := db.Open(ctx, dbURL)
	if err != nil {
		log.Printf("[DB] WARNING: mirror disabled: %v", err)
		return nil, func() {}
	}
	return store, pool.Close
}
