package ingest

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	oppPathPattern = regexp.MustCompile(`/opp/([A-Za-z0-9]+)/`)
	nonAlnumRun    = regexp.MustCompile(`[^A-Za-z0-9]+`)
)

// ResolveIdentifier derives the opportunity identifier from a SAM.gov URL.
// URLs of the form .../opp/<id>/... yield <id>; anything else falls back to
// the last path segment with non-alphanumeric runs collapsed to "-".
func ResolveIdentifier(rawURL string) string {
	if m := oppPathPattern.FindStringSubmatch(rawURL); m != nil {
		return m[1]
	}

	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	p = strings.TrimRight(p, "/")
	segment := p
	if i := strings.LastIndex(p, "/"); i >= 0 {
		segment = p[i+1:]
	}
	return strings.Trim(nonAlnumRun.ReplaceAllString(segment, "-"), "-")
}
