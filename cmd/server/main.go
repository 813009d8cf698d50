package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/david/sam-harvester/internal/api"
	"github.com/david/sam-harvester/internal/auth"
	"github.com/david/sam-harvester/internal/config"
	"github.com/david/sam-harvester/internal/db"
	"github.com/david/sam-harvester/internal/ingest"
	"github.com/david/sam-harvester/internal/metrics"
	"github.com/david/sam-harvester/internal/session"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "Path to a YAML config overlay")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	secret, err := auth.SecretFromEnv()
	if err != nil {
		log.Fatalf("Failed to resolve admin secret: %v", err)
	}

	ctx := context.Background()
	var store *db.Store
	if cfg.Database.URL != "" {
		s, pool, err := db.Open(ctx, cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer pool.Close()
		store = s
	}

	reg := metrics.NewRegistry()
	sessions := session.NewStore(cfg)

	run := func(ctx context.Context, req api.ScrapeRequest) (*ingest.RunSummary, error) {
		// A server cannot drive an interactive login.
		if !sessions.Exists() {
			return nil, session.ErrNoSession
		}
		if err := sessions.Prepare(ctx, false); err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		opts := ingest.HarvestOptions{
			RunOptions: ingest.RunOptions{
				InputCSV:  req.InputCSV,
				OutputDir: cfg.Server.OutputDir,
				Limit:     req.Limit,
			},
			Metrics: reg,
		}
		if store != nil {
			opts.Mirror = store
		}
		return ingest.Harvest(ctx, cfg, sessions, opts)
	}

	srv := api.NewServer(api.Options{
		OutputDir: cfg.Server.OutputDir,
		Secret:    secret,
		Store:     store,
		Metrics:   reg,
		Run:       run,
	})
	log.Printf("Server starting on %s (output %s)...", cfg.Server.Addr, cfg.Server.OutputDir)
	if err := srv.Start(cfg.Server.Addr); err != nil {
		log.Fatal(err)
	}
}
