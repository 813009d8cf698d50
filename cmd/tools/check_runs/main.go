package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/david/sam-harvester/internal/db"
	"github.com/david/sam-harvester/internal/ingest"
	"github.com/david/sam-harvester/internal/manifest"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	outDir := flag.String("out", "output", "Output root to read manifests from when no database is configured")
	limit := flag.Int("limit", 10, "Number of runs to show")
	flag.Parse()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Run", "Status", "Total", "OK", "Failed", "Files", "Duration", "Started At"})

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		fromDatabase(t, dbURL, *limit)
	} else {
		fromManifests(t, *outDir, *limit)
	}
	t.Render()
}

func fromDatabase(t table.Writer, dbURL string, limit int) {
	ctx := context.Background()
	pool, err := db.Connect(ctx, dbURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	runs, err := db.NewStore(pool).RecentRuns(ctx, limit)
	if err != nil {
		log.Fatal(err)
	}
	for _, r := range runs {
		duration := "Running..."
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		t.AppendRow(table.Row{shortID(r.RunID), r.Status, r.Total, r.Succeeded, r.Failed, r.AttachmentsOnDisk, duration, r.StartedAt.Format("2006-01-02 15:04:05")})
	}
}

func fromManifests(t table.Writer, outDir string, limit int) {
	_, _, manifestsDir := ingest.Layout(outDir)
	names, err := manifest.List(manifestsDir)
	if err != nil {
		log.Fatal(err)
	}
	if len(names) > limit {
		names = names[:limit]
	}
	for _, name := range names {
		m, err := manifest.Load(filepath.Join(manifestsDir, name))
		if err != nil {
			log.Printf("Skipping %s: %v", name, err)
			continue
		}
		t.AppendRow(table.Row{shortID(m.RunID), "completed", m.Counts.Total, m.Counts.Succeeded, m.Counts.Failed, m.Counts.AttachmentsOnDisk, "-", m.GeneratedAt.Format("2006-01-02 15:04:05")})
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
