package metadata

import (
	"fmt"
	"os"
	"strings"
)

// ReadInputURLs returns the sam-url values of an input table in file order.
// Blank cells are skipped; extra columns are ignored. limit <= 0 means all.
func ReadInputURLs(path string, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input table: %w", err)
	}
	defer f.Close()

	header, records, err := readTable(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	idx := indexOf(header, URLColumn)
	if idx < 0 {
		return nil, fmt.Errorf("read %s: %w", path, ErrMissingColumn)
	}

	var urls []string
	for _, rec := range records {
		if idx >= len(rec) {
			continue
		}
		u := strings.TrimSpace(rec[idx])
		if u == "" {
			continue
		}
		urls = append(urls, u)
		if limit > 0 && len(urls) >= limit {
			break
		}
	}
	return urls, nil
}
