package ingest

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLister struct {
	listing string
	err     error
	calls   int
}

func (s *stubLister) Resources(_ context.Context, _ string) (*Node, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return ParseTree([]byte(s.listing))
}

const listingJSON = `{
  "_embedded": {
    "opportunityAttachmentList": [
      {"attachments": [
        {"name": "SOW.pdf", "resourceId": "r1", "attachmentId": "a1", "mimeType": "application/pdf", "size": 2048},
        {"name": "SOW.pdf", "resourceId": "r1", "attachmentId": "a1", "mimeType": "application/pdf", "size": 2048},
        {"name": "Pricing.xlsx", "resourceId": "r2", "type": "xlsx"},
        {"name": "Industry Day", "uri": "https://example.gov/industry-day", "type": "link"}
      ]}
    ]
  }
}`

const pageWithLinks = `<html><body>
  <a href="/files/Amendment%2001.pdf">Amendment 01</a>
  <a href="https://cdn.example.gov/dl?document=42">Q&amp;A Responses</a>
  <a href="/files/Amendment%2001.pdf">Amendment 01</a>
  <a href="/about">About</a>
  <a href="mailto:co@example.gov">Email the CO</a>
  <a href="/attachments/pricing.xlsx"></a>
  <a href="javascript:void(0)">download</a>
</body></html>`

func TestAttachmentResolver_ListingWins(t *testing.T) {
	lister := &stubLister{listing: listingJSON}
	r := &AttachmentResolver{Lister: lister}

	got := r.Resolve(context.Background(), "opp1", pageWithLinks, "https://sam.gov/opp/opp1/view", nil)

	require.Len(t, got, 3)
	assert.Equal(t, "SOW.pdf", got[0].Name)
	assert.Equal(t, "r1", got[0].ResourceID)
	assert.Equal(t, "a1", got[0].AttachmentID)
	assert.Equal(t, int64(2048), got[0].Size)
	assert.Equal(t, "application/pdf", got[0].FileType)
	assert.Equal(t, "xlsx", got[1].FileType)
	assert.Equal(t, "https://example.gov/industry-day", got[2].URL)
	assert.Empty(t, got[2].ResourceID)

	for _, att := range got {
		assert.NotContains(t, att.URL, "/files/", "scraped links must not appear when the listing has entries")
	}
}

func TestAttachmentResolver_FallsBackToLinks(t *testing.T) {
	cases := []struct {
		name   string
		lister *stubLister
	}{
		{"empty listing", &stubLister{listing: `{"_embedded": {"opportunityAttachmentList": []}}`}},
		{"listing error", &stubLister{err: errors.New("boom")}},
		{"malformed listing", &stubLister{listing: `{"_embedded": `}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var warnings []string
			r := &AttachmentResolver{Lister: tc.lister}
			got := r.Resolve(context.Background(), "opp1", pageWithLinks, "https://sam.gov/opp/opp1/view", func(w string) {
				warnings = append(warnings, w)
			})

			require.Len(t, got, 3)
			assert.Equal(t, "Amendment 01", got[0].Name)
			assert.Equal(t, "https://sam.gov/files/Amendment%2001.pdf", got[0].URL)
			assert.Equal(t, "pdf", got[0].FileType)
			assert.Equal(t, "Q&A Responses", got[1].Name)
			assert.Equal(t, "pricing.xlsx", got[2].Name, "empty link text falls back to the file name")
			assert.Equal(t, "xlsx", got[2].FileType)
			if tc.lister.err != nil || tc.name == "malformed listing" {
				assert.Len(t, warnings, 1)
			}
		})
	}
}

func TestLooksLikeDocument(t *testing.T) {
	cases := map[string]bool{
		"https://x/a/b.PDF":             true,
		"https://x/a/report.docx":       true,
		"https://x/api/download/123":    true,
		"https://x/view?fileId=9":       true,
		"https://x/about":               false,
		"https://x/images/logo.png":     false,
		"https://x/opp/abc/view#files":  false,
		"https://x/docs/":               true,
		"https://x/archive/bundle.zip":  true,
		"https://x/data/awards.csv?x=1": true,
	}
	for raw, want := range cases {
		u := mustParseURL(t, raw)
		assert.Equal(t, want, looksLikeDocument(u), raw)
	}
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
