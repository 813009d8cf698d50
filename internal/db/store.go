package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/david/sam-harvester/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store mirrors the metadata table and the run log into Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// opportunityCols is the column order shared by upserts and selects.
var opportunityCols = []string{
	"sam_url", "opportunity_id", "title", "description", "published_date", "response_date",
	"set_aside", "naics", "psc", "place_of_performance", "contact_information",
	"department", "sub_tier", "office",
}

func opportunityArgs(m models.OpportunityMetadata) []interface{} {
	return []interface{}{
		m.SAMURL, m.OpportunityID, m.Title, m.Description, m.PublishedDate, m.ResponseDate,
		m.SetAside, m.NAICS, m.PSC, m.PlaceOfPerformance, m.ContactInformation,
		m.Department, m.SubTier, m.Office,
	}
}

// buildUpsertSQL returns the upsert statement. The last placeholder is the
// run id; every other column is replaced on conflict so the last run wins.
func buildUpsertSQL() string {
	placeholders := make([]string, 0, len(opportunityCols)+1)
	updates := make([]string, 0, len(opportunityCols))
	for i, col := range opportunityCols {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		if col != "sam_url" {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		}
	}
	placeholders = append(placeholders, fmt.Sprintf("$%d", len(opportunityCols)+1))
	updates = append(updates, "last_run_id = EXCLUDED.last_run_id", "updated_at = NOW()")

	return fmt.Sprintf(
		"INSERT INTO sam_opportunities (%s, last_run_id) VALUES (%s) ON CONFLICT (sam_url) DO UPDATE SET %s",
		strings.Join(opportunityCols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
	)
}

// UpsertOpportunities writes records in one batch and returns how many were
// stored. Records without a sam_url are skipped.
func (s *Store) UpsertOpportunities(ctx context.Context, runID string, records []models.OpportunityMetadata) (int, error) {
	query := buildUpsertSQL()
	batch := &pgx.Batch{}
	for _, m := range records {
		if m.SAMURL == "" {
			continue
		}
		args := append(opportunityArgs(m), nilIfEmpty(runID))
		batch.Queue(query, args...)
	}
	if batch.Len() == 0 {
		return 0, nil
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	saved := 0
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return saved, fmt.Errorf("upsert opportunity %d: %w", i, err)
		}
		saved++
	}
	return saved, nil
}

type ListParams struct {
	Query  string
	Limit  int
	Offset int
}

// buildListWhere matches the query against title, description and the
// organization columns.
func buildListWhere(params ListParams) (string, []interface{}) {
	q := strings.TrimSpace(params.Query)
	if q == "" {
		return "", nil
	}
	return " WHERE title ILIKE $1 OR description ILIKE $1 OR department ILIKE $1 OR office ILIKE $1 OR opportunity_id = $2",
		[]interface{}{"%" + q + "%", q}
}

// ListOpportunities pages through the mirror, most recently updated first.
func (s *Store) ListOpportunities(ctx context.Context, params ListParams) ([]models.OpportunityMetadata, int, error) {
	if params.Limit <= 0 {
		params.Limit = 50
	}
	where, args := buildListWhere(params)

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM sam_opportunities"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count failed: %w", err)
	}

	selectSQL := fmt.Sprintf("SELECT %s FROM sam_opportunities%s ORDER BY updated_at DESC, sam_url LIMIT $%d OFFSET $%d",
		strings.Join(opportunityCols, ", "), where, len(args)+1, len(args)+2)
	args = append(args, params.Limit, params.Offset)

	rows, err := s.pool.Query(ctx, selectSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []models.OpportunityMetadata
	for rows.Next() {
		var m models.OpportunityMetadata
		if err := rows.Scan(
			&m.SAMURL, &m.OpportunityID, &m.Title, &m.Description, &m.PublishedDate, &m.ResponseDate,
			&m.SetAside, &m.NAICS, &m.PSC, &m.PlaceOfPerformance, &m.ContactInformation,
			&m.Department, &m.SubTier, &m.Office,
		); err != nil {
			return nil, 0, fmt.Errorf("scan failed: %w", err)
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

// StartRun opens a run log entry.
func (s *Store) StartRun(ctx context.Context, runID, inputCSV string) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO ingest_runs (run_id, input_csv, status) VALUES ($1, $2, $3)",
		runID, inputCSV, models.RunRunning)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun closes a run log entry with its final counts.
func (s *Store) FinishRun(ctx context.Context, rec models.RunRecord) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE ingest_runs SET
			status = $1,
			items_total = $2,
			items_succeeded = $3,
			items_failed = $4,
			attachments_on_disk = $5,
			manifest_path = $6,
			metadata_error = $7,
			completed_at = NOW()
		WHERE run_id = $8`,
		rec.Status, rec.Total, rec.Succeeded, rec.Failed, rec.AttachmentsOnDisk, rec.ManifestPath, rec.MetadataError, rec.RunID,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", rec.RunID, err)
	}
	return nil
}

// RecentRuns returns the newest run log entries.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]models.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT run_id::text, input_csv, status, items_total, items_succeeded, items_failed,
			attachments_on_disk, manifest_path, metadata_error, started_at, completed_at
		FROM ingest_runs
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []models.RunRecord
	for rows.Next() {
		var r models.RunRecord
		var completed *time.Time
		if err := rows.Scan(&r.RunID, &r.InputCSV, &r.Status, &r.Total, &r.Succeeded, &r.Failed,
			&r.AttachmentsOnDisk, &r.ManifestPath, &r.MetadataError, &r.StartedAt, &completed); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.FinishedAt = completed
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Coverage counts stored rows and, per descriptive column, how many rows
// have a non-empty value.
func (s *Store) Coverage(ctx context.Context) (int, map[string]int, error) {
	selects := make([]string, 0, len(opportunityCols))
	for _, col := range opportunityCols {
		selects = append(selects, fmt.Sprintf("COUNT(*) FILTER (WHERE %s <> '')", col))
	}
	query := "SELECT COUNT(*), " + strings.Join(selects, ", ") + " FROM sam_opportunities"

	counts := make([]int, len(opportunityCols))
	dest := make([]interface{}, 0, len(counts)+1)
	var total int
	dest = append(dest, &total)
	for i := range counts {
		dest = append(dest, &counts[i])
	}
	if err := s.pool.QueryRow(ctx, query).Scan(dest...); err != nil {
		return 0, nil, fmt.Errorf("coverage query: %w", err)
	}

	out := make(map[string]int, len(counts))
	for i, col := range opportunityCols {
		out[col] = counts[i]
	}
	return total, out, nil
}

// Columns returns the mirrored column names in table order.
func Columns() []string {
	return append([]string(nil), opportunityCols...)
}

func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
