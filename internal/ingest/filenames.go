package ingest

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var illegalFilenameChars = regexp.MustCompile(`[\\/:*?"<>|]+`)

// NameSet records file names already taken inside one attachment directory.
type NameSet map[string]struct{}

// sanitizeFilename replaces characters that are illegal in file names and
// trims surrounding whitespace and dots.
func sanitizeFilename(name string) string {
	name = illegalFilenameChars.ReplaceAllString(name, "_")
	return strings.Trim(name, " \t\r\n.")
}

// buildFilename picks the on-disk name for an attachment: the sanitized
// declared name, else the URL's file name, else "attachment". Names without
// an extension borrow one from the type hint or the URL.
func buildFilename(name, rawURL, typeHint string) string {
	urlName := urlFilename(rawURL)
	candidate := sanitizeFilename(name)
	if candidate == "" {
		candidate = sanitizeFilename(urlName)
	}
	if candidate == "" {
		candidate = "attachment"
	}
	if !strings.Contains(candidate, ".") {
		if ext := extensionForType(typeHint); ext != "" {
			candidate += ext
		} else if ext := path.Ext(urlName); ext != "" {
			candidate += ext
		}
	}
	return candidate
}

// extensionForType maps a MIME type ("application/pdf") or a bare extension
// hint ("pdf", ".docx") to a dotted extension.
func extensionForType(hint string) string {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if i := strings.IndexByte(hint, ';'); i >= 0 {
		hint = strings.TrimSpace(hint[:i])
	}
	if hint == "" {
		return ""
	}
	if strings.Contains(hint, "/") {
		if m := mimetype.Lookup(hint); m != nil {
			return m.Extension()
		}
		return ""
	}
	hint = strings.TrimPrefix(hint, ".")
	for _, r := range hint {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return "." + hint
}

// uniqueName returns name, or name with a _N suffix before the extension,
// such that it is neither in used nor already present in dir. The winner is
// recorded in used.
func uniqueName(dir, name string, used NameSet) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		stem = "attachment"
	}

	candidate := name
	for i := 1; ; i++ {
		if _, taken := used[candidate]; !taken && !fileExists(filepath.Join(dir, candidate)) {
			break
		}
		candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
	}
	used[candidate] = struct{}{}
	return candidate
}

func fileExists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil
}
