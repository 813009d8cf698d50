// Package metadata maintains the cumulative opportunity table, one row per
// SAM.gov URL, shared with the downstream summarization stage.
package metadata

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/david/sam-harvester/internal/models"
)

// URLColumn is the merge key of the table and the required column of the
// input table.
const URLColumn = "sam-url"

// Columns is the fixed column order of the metadata table.
var Columns = []string{
	URLColumn,
	"opportunity_id",
	"title",
	"description",
	"published_date",
	"response_date",
	"set_aside",
	"naics",
	"psc",
	"place_of_performance",
	"contact_information",
	"department",
	"sub_tier",
	"office",
}

// ErrMissingColumn is returned when a table lacks the sam-url column.
var ErrMissingColumn = errors.New("missing required column " + URLColumn)

const bom = "\ufeff"

// Row is one table row keyed by column name.
type Row map[string]string

// RowFromMetadata flattens a record into table columns.
func RowFromMetadata(m models.OpportunityMetadata) Row {
	return Row{
		URLColumn:              m.SAMURL,
		"opportunity_id":       m.OpportunityID,
		"title":                m.Title,
		"description":          m.Description,
		"published_date":       m.PublishedDate,
		"response_date":        m.ResponseDate,
		"set_aside":            m.SetAside,
		"naics":                m.NAICS,
		"psc":                  m.PSC,
		"place_of_performance": m.PlaceOfPerformance,
		"contact_information":  m.ContactInformation,
		"department":           m.Department,
		"sub_tier":             m.SubTier,
		"office":               m.Office,
	}
}

// Metadata converts a row back into a record.
func (r Row) Metadata() models.OpportunityMetadata {
	return models.OpportunityMetadata{
		SAMURL:             r[URLColumn],
		OpportunityID:      r["opportunity_id"],
		Title:              r["title"],
		Description:        r["description"],
		PublishedDate:      r["published_date"],
		ResponseDate:       r["response_date"],
		SetAside:           r["set_aside"],
		NAICS:              r["naics"],
		PSC:                r["psc"],
		PlaceOfPerformance: r["place_of_performance"],
		ContactInformation: r["contact_information"],
		Department:         r["department"],
		SubTier:            r["sub_tier"],
		Office:             r["office"],
	}
}

// Store is the CSV file holding the table.
type Store struct {
	Path string
}

func NewStore(path string) *Store {
	return &Store{Path: path}
}

// Load reads the persisted table keyed by sam-url. A missing file is an
// empty table. Rows with a blank key are dropped.
func (s *Store) Load() (map[string]Row, error) {
	f, err := os.Open(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Row{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open metadata table: %w", err)
	}
	defer f.Close()

	header, records, err := readTable(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.Path, err)
	}
	if header == nil {
		return map[string]Row{}, nil
	}
	keyIdx := indexOf(header, URLColumn)
	if keyIdx < 0 {
		return nil, fmt.Errorf("read %s: %w", s.Path, ErrMissingColumn)
	}

	rows := make(map[string]Row, len(records))
	for _, rec := range records {
		if keyIdx >= len(rec) || strings.TrimSpace(rec[keyIdx]) == "" {
			continue
		}
		row := Row{}
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rows[rec[keyIdx]] = row
	}
	return rows, nil
}

// Merge overlays each result's record onto existing, replacing any prior row
// for the same key wholesale, and returns the rows sorted by key. existing
// is modified in place.
func Merge(existing map[string]Row, results []*models.OpportunityResult) []Row {
	if existing == nil {
		existing = map[string]Row{}
	}
	for _, r := range results {
		if r == nil || r.Metadata.SAMURL == "" {
			continue
		}
		existing[r.Metadata.SAMURL] = RowFromMetadata(r.Metadata)
	}

	keys := make([]string, 0, len(existing))
	for k := range existing {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Row, 0, len(keys))
	for _, k := range keys {
		out = append(out, existing[k])
	}
	return out
}

// Save writes rows in the fixed column order. The file is replaced
// atomically so a crash never leaves a truncated table behind.
func (s *Store) Save(rows []Row) error {
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".sam-metadata-*.csv")
	if err != nil {
		return fmt.Errorf("create temp table: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(Columns); err != nil {
		tmp.Close()
		return err
	}
	record := make([]string, len(Columns))
	for _, row := range rows {
		for i, col := range Columns {
			record[i] = row[col]
		}
		if err := w.Write(record); err != nil {
			tmp.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("write table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("replace %s: %w", s.Path, err)
	}
	return nil
}

// Update loads the table, merges results into it and saves it. It returns
// the number of rows now stored.
func (s *Store) Update(results []*models.OpportunityResult) (int, error) {
	existing, err := s.Load()
	if err != nil {
		return 0, err
	}
	rows := Merge(existing, results)
	if err := s.Save(rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func readTable(r io.Reader) ([]string, [][]string, error) {
	br := bufio.NewReader(r)
	if lead, err := br.Peek(len(bom)); err == nil && string(lead) == bom {
		br.Discard(len(bom))
	}
	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	records, err := cr.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	return header, records, nil
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}
