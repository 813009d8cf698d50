package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/david/sam-harvester/internal/auth"
	"github.com/david/sam-harvester/internal/ingest"
	"github.com/david/sam-harvester/internal/manifest"
	"github.com/david/sam-harvester/internal/metadata"
	"github.com/david/sam-harvester/internal/metrics"
	"github.com/david/sam-harvester/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("server-test-secret")

func seedOutput(t *testing.T) string {
	t.Helper()
	out := t.TempDir()
	csvPath, attachmentsDir, manifestsDir := ingest.Layout(out)

	rows := []metadata.Row{
		metadata.RowFromMetadata(models.OpportunityMetadata{SAMURL: "https://sam.gov/opp/a1/view", OpportunityID: "a1", Title: "HVAC Maintenance", Department: "DEPT OF DEFENSE"}),
		metadata.RowFromMetadata(models.OpportunityMetadata{SAMURL: "https://sam.gov/opp/b2/view", OpportunityID: "b2", Title: "Janitorial Services", Department: "GSA"}),
		metadata.RowFromMetadata(models.OpportunityMetadata{SAMURL: "https://sam.gov/opp/c3/view", OpportunityID: "c3", Title: "Roof Repair", Department: "DEPT OF DEFENSE"}),
	}
	require.NoError(t, metadata.NewStore(csvPath).Save(rows))

	require.NoError(t, os.MkdirAll(filepath.Join(attachmentsDir, "a1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(attachmentsDir, "a1", "SOW.pdf"), []byte("%PDF"), 0o644))

	ok := models.NewOpportunityResult("https://sam.gov/opp/a1/view", "a1")
	m := manifest.Build("run-1", "in.csv", out, csvPath, attachmentsDir, []*models.OpportunityResult{ok})
	m.GeneratedAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	_, err := manifest.Write(manifestsDir, m)
	require.NoError(t, err)
	return out
}

func do(t *testing.T, s *Server, method, target, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	s := NewServer(Options{OutputDir: t.TempDir(), Secret: secret})
	rec := do(t, s, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListOpportunities_FromTable(t *testing.T) {
	s := NewServer(Options{OutputDir: seedOutput(t), Secret: secret})

	rec := do(t, s, http.MethodGet, "/api/v1/opportunities?q=defense&limit=1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 2, body["total"])
	opps := body["opportunities"].([]interface{})
	require.Len(t, opps, 1)
	assert.Equal(t, "a1", opps[0].(map[string]interface{})["opportunity_id"])

	rec = do(t, s, http.MethodGet, "/api/v1/opportunities?q=defense&limit=1&offset=1", "", "")
	opps = decode(t, rec)["opportunities"].([]interface{})
	require.Len(t, opps, 1)
	assert.Equal(t, "c3", opps[0].(map[string]interface{})["opportunity_id"])
}

func TestListOpportunities_EmptyOutput(t *testing.T) {
	s := NewServer(Options{OutputDir: t.TempDir(), Secret: secret})
	rec := do(t, s, http.MethodGet, "/api/v1/opportunities", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 0, body["total"])
	assert.Equal(t, []interface{}{}, body["opportunities"])
}

func TestGetOpportunity(t *testing.T) {
	s := NewServer(Options{OutputDir: seedOutput(t), Secret: secret})

	rec := do(t, s, http.MethodGet, "/api/v1/opportunities/a1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "HVAC Maintenance", body["metadata"].(map[string]interface{})["title"])
	assert.Equal(t, []interface{}{"attachments/a1/SOW.pdf"}, body["files"])

	rec = do(t, s, http.MethodGet, "/api/v1/opportunities/zzz", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRuns(t *testing.T) {
	s := NewServer(Options{OutputDir: seedOutput(t), Secret: secret})

	rec := do(t, s, http.MethodGet, "/api/v1/runs", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode(t, rec)["runs"].([]interface{})
	require.Len(t, runs, 1)
	run := runs[0].(map[string]interface{})
	assert.Equal(t, "manifest-20240501-120000.json", run["name"])
	assert.Equal(t, "run-1", run["run_id"])

	rec = do(t, s, http.MethodGet, "/api/v1/runs/manifest-20240501-120000.json", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/runs/manifest-20990101-000000.json", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/runs/..%2Fsecret.json", "", "")
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := metrics.NewRegistry()
	s := NewServer(Options{OutputDir: t.TempDir(), Secret: secret, Metrics: reg})
	rec := do(t, s, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTriggerScrape_RequiresAdmin(t *testing.T) {
	s := NewServer(Options{OutputDir: t.TempDir(), Secret: secret})
	rec := do(t, s, http.MethodPost, "/api/v1/admin/scrape", `{"input_csv": "in.csv"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTriggerScrape_Lifecycle(t *testing.T) {
	release := make(chan struct{})
	var got ScrapeRequest
	run := func(ctx context.Context, req ScrapeRequest) (*ingest.RunSummary, error) {
		got = req
		<-release
		s := &ingest.RunSummary{}
		s.RunID = "run-xyz"
		s.Status = models.RunCompleted
		s.Succeeded = 3
		return s, nil
	}
	s := NewServer(Options{OutputDir: t.TempDir(), Secret: secret, Run: run})
	token, err := auth.IssueAdminToken(secret, "ops", time.Minute)
	require.NoError(t, err)

	rec := do(t, s, http.MethodPost, "/api/v1/admin/scrape", `{}`, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/admin/scrape", `{"input_csv": "in.csv", "limit": 3}`, token)
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decode(t, rec)["job_id"].(string)

	rec = do(t, s, http.MethodPost, "/api/v1/admin/scrape", `{"input_csv": "in.csv"}`, token)
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(release)
	require.Eventually(t, func() bool {
		rec := do(t, s, http.MethodGet, "/api/v1/admin/job/"+jobID, "", token)
		return rec.Code == http.StatusOK && decode(t, rec)["status"] == "completed"
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, ScrapeRequest{InputCSV: "in.csv", Limit: 3}, got)

	rec = do(t, s, http.MethodGet, "/api/v1/admin/job/"+jobID, "", token)
	result := decode(t, rec)["result"].(map[string]interface{})
	assert.Equal(t, "run-xyz", result["run_id"])

	rec = do(t, s, http.MethodGet, "/api/v1/admin/job/nope", "", token)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerScrape_FailedRun(t *testing.T) {
	run := func(ctx context.Context, req ScrapeRequest) (*ingest.RunSummary, error) {
		return nil, errors.New("missing required column sam-url")
	}
	s := NewServer(Options{OutputDir: t.TempDir(), Secret: secret, Run: run})
	token, err := auth.IssueAdminToken(secret, "ops", time.Minute)
	require.NoError(t, err)

	rec := do(t, s, http.MethodPost, "/api/v1/admin/scrape", `{"input_csv": "in.csv"}`, token)
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decode(t, rec)["job_id"].(string)

	require.Eventually(t, func() bool {
		body := decode(t, do(t, s, http.MethodGet, "/api/v1/admin/job/"+jobID, "", token))
		return body["status"] == "failed" && body["error"] == "missing required column sam-url"
	}, 2*time.Second, 10*time.Millisecond)
}
