package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/david/sam-harvester/internal/models"
	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/zip"
)

// ErrNoArchiveEntries is returned when a resource archive holds no files.
var ErrNoArchiveEntries = errors.New("archive contained no files")

// AttachmentFetcher downloads attachments into an opportunity's directory.
type AttachmentFetcher struct {
	Client SourceClient
}

// Fetch downloads one attachment into dir and returns the primary local
// path plus any further files extracted from a resource archive.
func (f *AttachmentFetcher) Fetch(ctx context.Context, opportunityID string, att models.AttachmentInfo, dir string, used NameSet) (string, []string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create attachment dir: %w", err)
	}
	if att.ResourceID != "" {
		return f.fetchResource(ctx, opportunityID, att, dir, used)
	}
	if att.URL == "" {
		return "", nil, errors.New("attachment has neither resource id nor url")
	}
	p, err := f.fetchDirect(ctx, att, dir, used)
	return p, nil, err
}

func (f *AttachmentFetcher) fetchDirect(ctx context.Context, att models.AttachmentInfo, dir string, used NameSet) (string, error) {
	dl, err := f.Client.Download(ctx, att.URL)
	if err != nil {
		return "", err
	}

	hint := att.FileType
	if extensionForType(hint) == "" && path.Ext(urlFilename(att.URL)) == "" {
		hint = dl.ContentType
		if extensionForType(hint) == "" && len(dl.Body) > 0 {
			hint = mimetype.Detect(dl.Body).String()
		}
	}
	out, target, err := createExclusive(dir, buildFilename(att.Name, att.URL, hint), used)
	if err != nil {
		return "", err
	}
	if _, err := out.Write(dl.Body); err != nil {
		out.Close()
		discard([]string{target}, used)
		return "", fmt.Errorf("write %s: %w", filepath.Base(target), err)
	}
	if err := out.Close(); err != nil {
		discard([]string{target}, used)
		return "", fmt.Errorf("write %s: %w", filepath.Base(target), err)
	}
	return target, nil
}

func (f *AttachmentFetcher) fetchResource(ctx context.Context, opportunityID string, att models.AttachmentInfo, dir string, used NameSet) (string, []string, error) {
	archive, err := f.Client.ResourceArchive(ctx, opportunityID, att.ResourceID)
	if err != nil {
		return "", nil, err
	}
	paths, err := extractArchive(archive, sanitizeFilename(att.Name), dir, used)
	if err != nil {
		return "", nil, err
	}
	return paths[0], paths[1:], nil
}

// extractArchive writes every file entry of a zip archive into dir. The
// first entry is named preferred when that is non-empty; later entries keep
// their own base names.
func extractArchive(data []byte, preferred, dir string, used NameSet) ([]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	var written []string
	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() || strings.HasSuffix(entry.Name, "/") {
			continue
		}
		entryName := sanitizeFilename(path.Base(strings.ReplaceAll(entry.Name, `\`, "/")))

		name := entryName
		if len(written) == 0 && preferred != "" {
			name = preferred
			if !strings.Contains(name, ".") {
				name += path.Ext(entryName)
			}
		}
		if name == "" {
			name = "attachment"
		}

		target, err := writeEntry(entry, dir, name, used)
		if err != nil {
			discard(written, used)
			return nil, fmt.Errorf("extract %s: %w", entry.Name, err)
		}
		written = append(written, target)
	}

	if len(written) == 0 {
		return nil, ErrNoArchiveEntries
	}
	return written, nil
}

func writeEntry(entry *zip.File, dir, name string, used NameSet) (string, error) {
	rc, err := entry.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	out, target, err := createExclusive(dir, name, used)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		discard([]string{target}, used)
		return "", err
	}
	if err := out.Close(); err != nil {
		discard([]string{target}, used)
		return "", err
	}
	return target, nil
}

// createExclusive creates a new file for name in dir without ever replacing
// an existing one. When another writer claims the name first, the next free
// _N variant is taken instead.
func createExclusive(dir, name string, used NameSet) (*os.File, string, error) {
	candidate := uniqueName(dir, name, used)
	for {
		target := filepath.Join(dir, candidate)
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			candidate = uniqueName(dir, name, used)
			continue
		}
		if err != nil {
			delete(used, candidate)
			return nil, "", fmt.Errorf("create %s: %w", candidate, err)
		}
		return f, target, nil
	}
}

// discard removes files written for an attachment that failed and frees
// their names.
func discard(paths []string, used NameSet) {
	for _, p := range paths {
		os.Remove(p)
		delete(used, filepath.Base(p))
	}
}

// annotateDownload fills inventory details that need the file on disk.
func annotateDownload(att *models.AttachmentInfo) {
	if att.LocalPath == "" || !strings.EqualFold(filepath.Ext(att.LocalPath), ".pdf") {
		return
	}
	pages, err := pdfPageCount(att.LocalPath)
	if err != nil {
		log.Printf("[Fetcher] could not read pages of %s: %v", filepath.Base(att.LocalPath), err)
		return
	}
	att.Pages = pages
}
