package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/david/sam-harvester/internal/manifest"
	"github.com/david/sam-harvester/internal/metadata"
	"github.com/david/sam-harvester/internal/metrics"
	"github.com/david/sam-harvester/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingMirror struct {
	mu       sync.Mutex
	started  []string
	upserted []models.OpportunityMetadata
	finished []models.RunRecord
	startErr error
}

func (m *recordingMirror) StartRun(_ context.Context, runID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, runID)
	return m.startErr
}

func (m *recordingMirror) UpsertOpportunities(_ context.Context, _ string, records []models.OpportunityMetadata) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserted = append(m.upserted, records...)
	return len(records), nil
}

func (m *recordingMirror) FinishRun(_ context.Context, rec models.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, rec)
	return nil
}

func writeInput(t *testing.T, urls ...string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("notes,sam-url\n")
	for i, u := range urls {
		fmt.Fprintf(&b, "row %d,%s\n", i+1, u)
	}
	path := filepath.Join(t.TempDir(), "input.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func fivePortal(t *testing.T) (*fakeSources, *fakeRenderer, []string) {
	t.Helper()
	src := &fakeSources{
		opps:      map[string]string{},
		listings:  map[string]string{},
		downloads: map[string]string{},
	}
	r := &fakeRenderer{pages: map[string]string{}, fail: map[string]error{}}
	var urls []string
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("opp%d", i)
		u := fmt.Sprintf("https://sam.gov/opp/%s/view", id)
		urls = append(urls, u)
		src.opps[id] = fmt.Sprintf(`{"data2": {"title": "Opportunity %d"}, "postedDate": "2024-0%d-01"}`, i, i)
		src.listings[id] = fmt.Sprintf(`{"_embedded": {"opportunityAttachmentList": [{"attachments": [
			{"name": "Notice %d", "uri": "https://files.example.gov/%s.pdf"}]}]}}`, i, id)
		src.downloads[fmt.Sprintf("https://files.example.gov/%s.pdf", id)] = "%PDF " + id
		r.pages[u] = "<html></html>"
	}
	return src, r, urls
}

func TestPipeline_PartialFailureIsolation(t *testing.T) {
	src, r, urls := fivePortal(t)
	r.fail[urls[2]] = errors.New("page crashed")

	out := t.TempDir()
	mirror := &recordingMirror{}
	p := NewPipeline(NewController(src, r, ""), 3)
	p.Mirror = mirror
	p.Metrics = metrics.NewRegistry()

	summary, err := p.Run(context.Background(), RunOptions{InputCSV: writeInput(t, urls...), OutputDir: out})
	require.NoError(t, err)

	require.Len(t, summary.Results, 5)
	for i, res := range summary.Results {
		assert.Equal(t, urls[i], res.Metadata.SAMURL, "results keep input order")
		if i == 2 {
			assert.Equal(t, models.StatusError, res.Status())
			assert.Equal(t, []string{"error: page crashed"}, res.Errors)
			continue
		}
		assert.Equal(t, models.StatusSuccess, res.Status(), res.Errors)
	}
	assert.Equal(t, 4, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 4, summary.AttachmentsOnDisk)
	assert.Equal(t, models.RunCompleted, summary.Status)

	rows, err := metadata.NewStore(summary.MetadataCSV).Load()
	require.NoError(t, err)
	assert.Len(t, rows, 5)
	assert.Equal(t, "Opportunity 3", rows[urls[2]]["title"], "structured metadata survives a render failure")

	m, err := manifest.Load(summary.ManifestPath)
	require.NoError(t, err)
	assert.Equal(t, summary.RunID, m.RunID)
	assert.Equal(t, manifest.Counts{Total: 5, Succeeded: 4, Failed: 1, AttachmentsOnDisk: 4}, m.Counts)
	assert.Equal(t, "attachments/opp1/Notice 1.pdf", m.Opportunities[0].Attachments[0].LocalPath)

	require.Len(t, mirror.started, 1)
	assert.Len(t, mirror.upserted, 5)
	require.Len(t, mirror.finished, 1)
	assert.Equal(t, models.RunCompleted, mirror.finished[0].Status)
}

func TestPipeline_RepeatedRunsAreIdempotent(t *testing.T) {
	src, r, urls := fivePortal(t)
	input := writeInput(t, urls[3], urls[0], urls[4], urls[0])
	out := t.TempDir()
	p := NewPipeline(NewController(src, r, ""), 2)

	first, err := p.Run(context.Background(), RunOptions{InputCSV: input, OutputDir: out})
	require.NoError(t, err)
	table1, err := os.ReadFile(first.MetadataCSV)
	require.NoError(t, err)

	second, err := p.Run(context.Background(), RunOptions{InputCSV: input, OutputDir: out})
	require.NoError(t, err)
	table2, err := os.ReadFile(second.MetadataCSV)
	require.NoError(t, err)

	assert.True(t, bytes.Equal(table1, table2), "metadata table must be byte-identical across runs")
	assert.NotEqual(t, first.ManifestPath, second.ManifestPath, "manifests are never overwritten")

	lines := strings.Split(strings.TrimSpace(string(table1)), "\n")
	require.Len(t, lines, 4, "header plus one row per unique url")
	assert.True(t, strings.HasPrefix(lines[1], urls[0]+","))
	assert.True(t, strings.HasPrefix(lines[2], urls[3]+","))
	assert.True(t, strings.HasPrefix(lines[3], urls[4]+","))
}

func TestPipeline_LimitAndMissingColumn(t *testing.T) {
	src, r, urls := fivePortal(t)
	p := NewPipeline(NewController(src, r, ""), 1)

	summary, err := p.Run(context.Background(), RunOptions{InputCSV: writeInput(t, urls...), OutputDir: t.TempDir(), Limit: 2})
	require.NoError(t, err)
	assert.Len(t, summary.Results, 2)

	bad := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte("url\nhttps://sam.gov/opp/x/view\n"), 0o644))
	_, err = p.Run(context.Background(), RunOptions{InputCSV: bad, OutputDir: t.TempDir()})
	assert.ErrorIs(t, err, metadata.ErrMissingColumn)
	assert.Equal(t, 2, r.calls, "no item is processed after a fatal input error")
}

func TestPipeline_UnreadableTableStillWritesManifest(t *testing.T) {
	src, r, urls := fivePortal(t)
	out := t.TempDir()
	csvPath, _, _ := Layout(out)
	require.NoError(t, os.MkdirAll(filepath.Dir(csvPath), 0o755))
	corrupt := "sam-url,title\nhttps://sam.gov/opp/old/view,\"Edited \"in a spreadsheet\n"
	require.NoError(t, os.WriteFile(csvPath, []byte(corrupt), 0o644))

	mirror := &recordingMirror{}
	p := NewPipeline(NewController(src, r, ""), 2)
	p.Mirror = mirror

	summary, err := p.Run(context.Background(), RunOptions{InputCSV: writeInput(t, urls...), OutputDir: out})
	require.NoError(t, err)
	require.Len(t, summary.Results, 5)
	assert.Equal(t, models.RunCompleted, summary.Status)
	assert.Contains(t, summary.MetadataError, "update metadata table")

	table, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.Equal(t, corrupt, string(table), "an unreadable table is never overwritten")

	m, err := manifest.Load(summary.ManifestPath)
	require.NoError(t, err)
	assert.Len(t, m.Opportunities, 5)
	assert.Equal(t, summary.MetadataError, m.MetadataError)

	require.Len(t, mirror.finished, 1)
	assert.Equal(t, summary.MetadataError, mirror.finished[0].MetadataError)

	var buf bytes.Buffer
	WriteReport(&buf, summary)
	assert.Contains(t, buf.String(), "metadata table not updated")
}

func TestPipeline_MirrorOutageIsNotFatal(t *testing.T) {
	src, r, urls := fivePortal(t)
	p := NewPipeline(NewController(src, r, ""), 1)
	p.Mirror = &recordingMirror{startErr: errors.New("connection refused")}

	summary, err := p.Run(context.Background(), RunOptions{InputCSV: writeInput(t, urls[0]), OutputDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
}

func TestWriteReport(t *testing.T) {
	ok := models.NewOpportunityResult("u1", "opp1")
	ok.Attachments = []models.AttachmentInfo{{Name: "a", LocalPath: "/x/a.pdf"}}
	bad := models.NewOpportunityResult("u2", "opp2")
	bad.AddError("timeout: navigate https://sam.gov/opp/opp2/view: context deadline exceeded")

	s := &RunSummary{Results: []*models.OpportunityResult{ok, bad}}
	s.RunStats = models.RunStats{Total: 2, Succeeded: 1, Failed: 1, AttachmentsOnDisk: 1}

	var buf bytes.Buffer
	WriteReport(&buf, s)
	out := buf.String()
	assert.Contains(t, out, "opp1")
	assert.Contains(t, out, "timeout: navigate")
	assert.Contains(t, strings.ToLower(out), "1 ok, 1 failed")
}
