package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/david/sam-harvester/internal/config"
	"github.com/david/sam-harvester/internal/ingest"
	"github.com/david/sam-harvester/internal/session"
)

func main() {
	samURL := flag.String("url", "", "SAM.gov opportunity URL to harvest")
	outDir := flag.String("out", "output", "Output root; attachments land under attachments/<id>")
	configPath := flag.String("config", "", "Path to a YAML config overlay")
	flag.Parse()

	if *samURL == "" {
		log.Fatal("Please provide an opportunity URL using -url flag")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()
	store := session.NewStore(cfg)
	if err := store.Prepare(ctx, false); err != nil {
		log.Fatalf("Session unavailable: %v", err)
	}
	sc, err := store.Acquire()
	if err != nil {
		log.Fatalf("Session unavailable: %v", err)
	}

	renderer, closeRenderer, err := ingest.NewRenderer(ctx, cfg, sc, true)
	if err != nil {
		log.Fatalf("Renderer failed: %v", err)
	}
	defer closeRenderer()

	ctrl := ingest.NewControllerFromConfig(cfg, sc, renderer)
	ctrl.AttachmentsRoot = filepath.Join(*outDir, "attachments")

	log.Printf("Starting manual ingestion for %s", *samURL)
	res := ctrl.Process(ctx, *samURL)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		log.Fatal(err)
	}
	log.Printf("Finished %s: status=%s errors=%d attachments=%d", *samURL, res.Status(), len(res.Errors), len(res.Attachments))
}
