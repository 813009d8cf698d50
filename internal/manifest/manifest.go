// Package manifest writes the per-run audit record: inputs, per-item status
// and the attachment inventory. Manifests are never overwritten.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/david/sam-harvester/internal/models"
)

const (
	filePrefix = "manifest-"
	timeLayout = "20060102-150405"
)

type Counts struct {
	Total             int `json:"total"`
	Succeeded         int `json:"succeeded"`
	Failed            int `json:"failed"`
	AttachmentsOnDisk int `json:"attachments_on_disk"`
}

type Manifest struct {
	RunID          string    `json:"run_id"`
	GeneratedAt    time.Time `json:"generated_at"`
	InputCSV       string    `json:"input_csv"`
	OutputDir      string    `json:"output_dir"`
	MetadataCSV    string    `json:"metadata_csv"`
	MetadataError  string    `json:"metadata_error,omitempty"`
	AttachmentsDir string    `json:"attachments_dir"`
	Counts         Counts    `json:"counts"`
	Opportunities  []Entry   `json:"opportunities"`
}

type Entry struct {
	SAMURL        string                     `json:"sam_url"`
	OpportunityID string                     `json:"opportunity_id"`
	Status        models.Status              `json:"status"`
	Errors        []string                   `json:"errors"`
	Warnings      []string                   `json:"warnings,omitempty"`
	Metadata      models.OpportunityMetadata `json:"metadata"`
	Attachments   []Attachment               `json:"attachments"`
	Payload       map[string]json.RawMessage `json:"payload,omitempty"`
}

type Attachment struct {
	Name         string   `json:"name"`
	URL          string   `json:"url"`
	FileType     string   `json:"file_type"`
	Size         int64    `json:"size"`
	AttachmentID string   `json:"attachment_id"`
	ResourceID   string   `json:"resource_id"`
	Downloaded   bool     `json:"downloaded"`
	LocalPath    string   `json:"local_path"`
	ExtraFiles   []string `json:"extra_files,omitempty"`
	Pages        int      `json:"pages,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Build assembles the manifest for a finished run. Local paths are made
// relative to outputDir and checked against the disk.
func Build(runID, inputCSV, outputDir, metadataCSV, attachmentsDir string, results []*models.OpportunityResult) *Manifest {
	m := &Manifest{
		RunID:          runID,
		GeneratedAt:    time.Now().UTC(),
		InputCSV:       inputCSV,
		OutputDir:      outputDir,
		MetadataCSV:    metadataCSV,
		AttachmentsDir: attachmentsDir,
		Opportunities:  make([]Entry, 0, len(results)),
	}

	for _, r := range results {
		entry := Entry{
			SAMURL:        r.Metadata.SAMURL,
			OpportunityID: r.Metadata.OpportunityID,
			Status:        r.Status(),
			Errors:        r.Errors,
			Warnings:      r.Warnings,
			Metadata:      r.Metadata,
			Attachments:   make([]Attachment, 0, len(r.Attachments)),
			Payload:       r.Payload,
		}
		if entry.Errors == nil {
			entry.Errors = []string{}
		}
		for _, a := range r.Attachments {
			att := Attachment{
				Name:         a.Name,
				URL:          a.URL,
				FileType:     a.FileType,
				Size:         a.Size,
				AttachmentID: a.AttachmentID,
				ResourceID:   a.ResourceID,
				Downloaded:   OnDisk(a.LocalPath),
				LocalPath:    relativePath(a.LocalPath, outputDir),
				Pages:        a.Pages,
				Error:        a.Error,
			}
			for _, extra := range a.ExtraFiles {
				att.ExtraFiles = append(att.ExtraFiles, relativePath(extra, outputDir))
			}
			if att.Downloaded {
				m.Counts.AttachmentsOnDisk++
			}
			entry.Attachments = append(entry.Attachments, att)
		}

		m.Counts.Total++
		if entry.Status == models.StatusSuccess {
			m.Counts.Succeeded++
		} else {
			m.Counts.Failed++
		}
		m.Opportunities = append(m.Opportunities, entry)
	}
	return m
}

// Write stores m under dir as manifest-YYYYMMDD-HHMMSS.json. When that name
// is taken a -N suffix is added; an existing manifest is never replaced.
func Write(dir string, m *Manifest) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create manifest dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}

	stem := filePrefix + m.GeneratedAt.UTC().Format(timeLayout)
	for n := 0; ; n++ {
		name := stem + ".json"
		if n > 0 {
			name = fmt.Sprintf("%s-%d.json", stem, n)
		}
		target := filepath.Join(dir, name)
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create manifest: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", fmt.Errorf("write manifest: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", err
		}
		return target, nil
	}
}

// Load reads one manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return &m, nil
}

// List returns the manifest file names in dir, newest first.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !IsManifestName(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// IsManifestName reports whether name looks like a file written by Write.
// It is used to reject path tricks in names supplied over HTTP.
func IsManifestName(name string) bool {
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, ".json") &&
		filepath.Base(name) == name
}

// OnDisk reports whether p names an existing regular file.
func OnDisk(p string) bool {
	if p == "" {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

func relativePath(p, root string) string {
	if p == "" {
		return ""
	}
	if rel, err := filepath.Rel(root, p); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return filepath.ToSlash(p)
}
