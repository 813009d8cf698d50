package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/david/sam-harvester/internal/auth"
	"github.com/david/sam-harvester/internal/db"
	"github.com/david/sam-harvester/internal/ingest"
	"github.com/david/sam-harvester/internal/manifest"
	"github.com/david/sam-harvester/internal/metadata"
	"github.com/david/sam-harvester/internal/metrics"
	"github.com/david/sam-harvester/internal/models"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// ScrapeRequest is the body of POST /api/v1/admin/scrape.
type ScrapeRequest struct {
	InputCSV string `json:"input_csv"`
	Limit    int    `json:"limit"`
}

// RunFunc performs one scrape run against OutputDir.
type RunFunc func(ctx context.Context, req ScrapeRequest) (*ingest.RunSummary, error)

type Options struct {
	OutputDir string
	Secret    []byte
	Store     *db.Store // optional; opportunities are read from the CSV without it
	Metrics   *metrics.Registry
	Run       RunFunc
	JobLimit  time.Duration
}

type Server struct {
	Echo      *echo.Echo
	OutputDir string
	Store     *db.Store
	Metrics   *metrics.Registry
	Run       RunFunc
	JobLimit  time.Duration

	// Background job tracking
	jobMu      sync.Mutex
	runningJob *backgroundJob
}

type backgroundJob struct {
	ID        string             `json:"id"`
	Status    string             `json:"status"` // running, completed, failed
	StartedAt time.Time          `json:"started_at"`
	EndedAt   time.Time          `json:"ended_at,omitempty"`
	Result    any                `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
	Cancel    context.CancelFunc `json:"-"`
}

func NewServer(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	if opts.JobLimit <= 0 {
		opts.JobLimit = 6 * time.Hour
	}
	s := &Server{
		Echo:      e,
		OutputDir: opts.OutputDir,
		Store:     opts.Store,
		Metrics:   opts.Metrics,
		Run:       opts.Run,
		JobLimit:  opts.JobLimit,
	}
	s.routes(opts.Secret)
	return s
}

func (s *Server) routes(secret []byte) {
	s.Echo.GET("/health", s.handleHealth)
	if s.Metrics != nil {
		s.Echo.GET("/metrics", echo.WrapHandler(s.Metrics.Handler()))
	}

	api := s.Echo.Group("/api/v1")
	api.GET("/opportunities", s.handleListOpportunities)
	api.GET("/opportunities/:id", s.handleGetOpportunity)
	api.GET("/runs", s.handleListRuns)
	api.GET("/runs/:name", s.handleGetRun)

	admin := api.Group("/admin")
	admin.Use(auth.Middleware(secret))
	admin.POST("/scrape", s.handleTriggerScrape)
	admin.GET("/job/:id", s.handleJobStatus)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListOpportunities(c echo.Context) error {
	limit := 50
	if v, err := strconv.Atoi(c.QueryParam("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	offset := 0
	if v, err := strconv.Atoi(c.QueryParam("offset")); err == nil && v >= 0 {
		offset = v
	}
	query := strings.TrimSpace(c.QueryParam("q"))

	if s.Store != nil {
		opps, total, err := s.Store.ListOpportunities(c.Request().Context(), db.ListParams{Query: query, Limit: limit, Offset: offset})
		if err == nil {
			return c.JSON(http.StatusOK, listResponse(opps, total, limit, offset))
		}
		log.Printf("[API] mirror query failed, falling back to CSV: %v", err)
	}

	rows, err := s.loadTable()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	var matched []models.OpportunityMetadata
	for _, row := range rows {
		m := row.Metadata()
		if query == "" || matches(m, query) {
			matched = append(matched, m)
		}
	}
	total := len(matched)
	if offset > total {
		offset = total
	}
	end := min(offset+limit, total)
	return c.JSON(http.StatusOK, listResponse(matched[offset:end], total, limit, offset))
}

func listResponse(opps []models.OpportunityMetadata, total, limit, offset int) map[string]interface{} {
	if opps == nil {
		opps = []models.OpportunityMetadata{}
	}
	return map[string]interface{}{
		"opportunities": opps,
		"total":         total,
		"limit":         limit,
		"offset":        offset,
	}
}

func matches(m models.OpportunityMetadata, q string) bool {
	q = strings.ToLower(q)
	for _, field := range []string{m.OpportunityID, m.Title, m.Description, m.Department, m.SubTier, m.Office, m.NAICS} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

func (s *Server) handleGetOpportunity(c echo.Context) error {
	id := c.Param("id")
	rows, err := s.loadTable()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	for _, row := range rows {
		m := row.Metadata()
		if m.OpportunityID != id {
			continue
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"metadata": m,
			"files":    s.attachmentFiles(id),
		})
	}
	return c.JSON(http.StatusNotFound, map[string]string{"error": "opportunity not found"})
}

func (s *Server) loadTable() ([]metadata.Row, error) {
	csvPath, _, _ := ingest.Layout(s.OutputDir)
	existing, err := metadata.NewStore(csvPath).Load()
	if err != nil {
		return nil, err
	}
	return metadata.Merge(existing, nil), nil
}

// attachmentFiles lists the files stored for one opportunity, relative to
// the output root.
func (s *Server) attachmentFiles(id string) []string {
	_, attachmentsDir, _ := ingest.Layout(s.OutputDir)
	if id == "" || filepath.Base(id) != id {
		return []string{}
	}
	entries, err := os.ReadDir(filepath.Join(attachmentsDir, id))
	if err != nil {
		return []string{}
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, filepath.ToSlash(filepath.Join("attachments", id, e.Name())))
		}
	}
	sort.Strings(files)
	return files
}

type runListing struct {
	Name        string          `json:"name"`
	RunID       string          `json:"run_id"`
	GeneratedAt time.Time       `json:"generated_at"`
	Counts      manifest.Counts `json:"counts"`
}

func (s *Server) handleListRuns(c echo.Context) error {
	_, _, manifestsDir := ingest.Layout(s.OutputDir)
	names, err := manifest.List(manifestsDir)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	runs := make([]runListing, 0, len(names))
	for _, name := range names {
		m, err := manifest.Load(filepath.Join(manifestsDir, name))
		if err != nil {
			log.Printf("[API] skipping unreadable manifest %s: %v", name, err)
			continue
		}
		runs = append(runs, runListing{Name: name, RunID: m.RunID, GeneratedAt: m.GeneratedAt, Counts: m.Counts})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleGetRun(c echo.Context) error {
	name := c.Param("name")
	if !manifest.IsManifestName(name) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid manifest name"})
	}
	_, _, manifestsDir := ingest.Layout(s.OutputDir)
	m, err := manifest.Load(filepath.Join(manifestsDir, name))
	if os.IsNotExist(err) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "manifest not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) handleTriggerScrape(c echo.Context) error {
	var req ScrapeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	req.InputCSV = strings.TrimSpace(req.InputCSV)
	if req.InputCSV == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "input_csv is required"})
	}
	if s.Run == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "scraping is not configured on this server"})
	}

	s.jobMu.Lock()
	if s.runningJob != nil && s.runningJob.Status == "running" {
		job := s.runningJob
		s.jobMu.Unlock()
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error":  "A scrape job is already running",
			"job_id": job.ID,
		})
	}

	// Detached from the request so the run outlives the response.
	jobCtx, jobCancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), s.JobLimit)

	jobID := uuid.New().String()[:8]
	job := &backgroundJob{
		ID:        jobID,
		Status:    "running",
		StartedAt: time.Now(),
		Cancel:    jobCancel,
	}
	s.runningJob = job
	s.jobMu.Unlock()

	subject, _ := auth.SubjectFromContext(c)
	log.Printf("[API] scrape job %s started by %s for %s", jobID, subject, req.InputCSV)

	go func() {
		defer jobCancel()
		summary, err := s.Run(jobCtx, req)

		s.jobMu.Lock()
		defer s.jobMu.Unlock()
		job.EndedAt = time.Now()
		if err != nil {
			job.Status = "failed"
			job.Error = err.Error()
			log.Printf("[scrape-job %s] failed: %v", jobID, err)
			return
		}
		job.Status = "completed"
		job.Result = summary.RunRecord
		log.Printf("[scrape-job %s] completed: %d ok, %d failed", jobID, summary.Succeeded, summary.Failed)
	}()

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"message": "Scrape job started",
		"job_id":  jobID,
		"poll":    fmt.Sprintf("/api/v1/admin/job/%s", jobID),
	})
}

func (s *Server) handleJobStatus(c echo.Context) error {
	queried := c.Param("id")
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	job := s.runningJob
	if job == nil || job.ID != queried {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}

	resp := map[string]interface{}{
		"id":         job.ID,
		"status":     job.Status,
		"started_at": job.StartedAt,
	}
	if !job.EndedAt.IsZero() {
		resp["ended_at"] = job.EndedAt
		resp["duration"] = job.EndedAt.Sub(job.StartedAt).String()
	}
	if job.Result != nil {
		resp["result"] = job.Result
	}
	if job.Error != "" {
		resp["error"] = job.Error
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) Start(addr string) error {
	return s.Echo.Start(addr)
}
