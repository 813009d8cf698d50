package ingest

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/david/sam-harvester/internal/manifest"
	"github.com/david/sam-harvester/internal/metadata"
	"github.com/david/sam-harvester/internal/metrics"
	"github.com/david/sam-harvester/internal/models"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Mirror receives a copy of every run. *db.Store implements it.
type Mirror interface {
	StartRun(ctx context.Context, runID, inputCSV string) error
	UpsertOpportunities(ctx context.Context, runID string, records []models.OpportunityMetadata) (int, error)
	FinishRun(ctx context.Context, rec models.RunRecord) error
}

// RunOptions are the per-invocation inputs of a run.
type RunOptions struct {
	InputCSV  string
	OutputDir string
	Limit     int
}

// RunSummary is what a finished run reports back.
type RunSummary struct {
	models.RunRecord
	MetadataCSV string
	Results     []*models.OpportunityResult
}

// Layout returns the metadata table, attachment root and manifest directory
// under an output root.
func Layout(outputDir string) (metadataCSV, attachmentsDir, manifestsDir string) {
	return filepath.Join(outputDir, "metadata", "sam-metadata.csv"),
		filepath.Join(outputDir, "attachments"),
		filepath.Join(outputDir, "manifests")
}

type Pipeline struct {
	Controller  *Controller
	Concurrency int
	Mirror      Mirror
	Metrics     *metrics.Registry
}

func NewPipeline(controller *Controller, concurrency int) *Pipeline {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pipeline{Controller: controller, Concurrency: concurrency}
}

// Run processes every input row, then merges the metadata table and writes
// the manifest. Only run-level failures are returned as errors; per-item
// failures live on the results.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*RunSummary, error) {
	urls, err := metadata.ReadInputURLs(opts.InputCSV, opts.Limit)
	if err != nil {
		return nil, err
	}

	metadataCSV, attachmentsDir, manifestsDir := Layout(opts.OutputDir)
	ctrl := *p.Controller
	ctrl.AttachmentsRoot = attachmentsDir

	summary := &RunSummary{
		RunRecord: models.RunRecord{
			RunID:     uuid.NewString(),
			InputCSV:  opts.InputCSV,
			Status:    models.RunRunning,
			StartedAt: time.Now().UTC(),
		},
		MetadataCSV: metadataCSV,
	}
	log.Printf("[Pipeline] Run %s: %d opportunities from %s", summary.RunID, len(urls), opts.InputCSV)

	if p.Mirror != nil {
		if err := p.Mirror.StartRun(ctx, summary.RunID, opts.InputCSV); err != nil {
			log.Printf("[Pipeline] mirror unavailable, continuing without it: %v", err)
		}
	}

	summary.Results = p.process(ctx, &ctrl, urls)

	// A table that cannot be read or written is left untouched; the run
	// still produces its manifest.
	var tableErr string
	if _, err := metadata.NewStore(metadataCSV).Update(summary.Results); err != nil {
		tableErr = fmt.Sprintf("update metadata table: %v", err)
		log.Printf("[Pipeline] WARNING: %s; %s left unchanged", tableErr, metadataCSV)
	}

	m := manifest.Build(summary.RunID, opts.InputCSV, opts.OutputDir, metadataCSV, attachmentsDir, summary.Results)
	m.MetadataError = tableErr
	manifestPath, err := manifest.Write(manifestsDir, m)
	if err != nil {
		return summary, p.fail(ctx, summary, fmt.Errorf("write manifest: %w", err))
	}

	summary.RunStats = models.RunStats{
		Total:             m.Counts.Total,
		Succeeded:         m.Counts.Succeeded,
		Failed:            m.Counts.Failed,
		AttachmentsOnDisk: m.Counts.AttachmentsOnDisk,
		ManifestPath:      manifestPath,
		MetadataError:     tableErr,
	}
	summary.Status = models.RunCompleted
	finished := time.Now().UTC()
	summary.FinishedAt = &finished

	p.mirror(ctx, summary)
	p.Metrics.ObserveRun(summary.Results, finished.Sub(summary.StartedAt))

	log.Printf("[Pipeline] Run %s complete: %d succeeded, %d failed, %d attachments on disk; manifest %s",
		summary.RunID, summary.Succeeded, summary.Failed, summary.AttachmentsOnDisk, manifestPath)
	return summary, nil
}

// process renders items one at a time and lets up to Concurrency items
// download in parallel. Results keep input order.
func (p *Pipeline) process(ctx context.Context, ctrl *Controller, urls []string) []*models.OpportunityResult {
	results := make([]*models.OpportunityResult, len(urls))

	var g errgroup.Group
	g.SetLimit(max(p.Concurrency, 1))
	for i, u := range urls {
		item := ctrl.Prepare(ctx, u)
		results[i] = item.Result
		n := i + 1
		g.Go(func() error {
			ctrl.Download(ctx, item)
			log.Printf("[Pipeline] (%d/%d) %s -> %s (%d attachments, %d errors)",
				n, len(urls), item.Result.Metadata.OpportunityID, item.Result.Status(),
				len(item.Result.Attachments), len(item.Result.Errors))
			return nil
		})
	}
	g.Wait()
	return results
}

func (p *Pipeline) mirror(ctx context.Context, summary *RunSummary) {
	if p.Mirror == nil {
		return
	}
	records := make([]models.OpportunityMetadata, 0, len(summary.Results))
	for _, r := range summary.Results {
		records = append(records, r.Metadata)
	}
	if saved, err := p.Mirror.UpsertOpportunities(ctx, summary.RunID, records); err != nil {
		log.Printf("[Pipeline] mirror upsert failed after %d rows: %v", saved, err)
	}
	if err := p.Mirror.FinishRun(ctx, summary.RunRecord); err != nil {
		log.Printf("[Pipeline] mirror run update failed: %v", err)
	}
}

func (p *Pipeline) fail(ctx context.Context, summary *RunSummary, err error) error {
	summary.Status = models.RunFailed
	finished := time.Now().UTC()
	summary.FinishedAt = &finished
	if p.Mirror != nil {
		if mErr := p.Mirror.FinishRun(ctx, summary.RunRecord); mErr != nil {
			log.Printf("[Pipeline] mirror run update failed: %v", mErr)
		}
	}
	return err
}
