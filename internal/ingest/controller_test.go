package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/david/sam-harvester/internal/models"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSources serves canned payloads keyed by opportunity, organization,
// resource id and url. Missing entries answer 404.
type fakeSources struct {
	mu        sync.Mutex
	opps      map[string]string
	orgs      map[string]string
	listings  map[string]string
	archives  map[string][]byte
	downloads map[string]string
	requested []string
}

func (f *fakeSources) record(s string) {
	f.mu.Lock()
	f.requested = append(f.requested, s)
	f.mu.Unlock()
}

func (f *fakeSources) tree(m map[string]string, key, kind string) (*Node, error) {
	f.record(kind + ":" + key)
	raw, ok := m[key]
	if !ok {
		return nil, &StatusError{URL: kind + "/" + key, StatusCode: 404}
	}
	return ParseTree([]byte(raw))
}

func (f *fakeSources) Opportunity(_ context.Context, id string) (*Node, error) {
	return f.tree(f.opps, id, "opportunity")
}

func (f *fakeSources) Organization(_ context.Context, id string) (*Node, error) {
	return f.tree(f.orgs, id, "organization")
}

func (f *fakeSources) Resources(_ context.Context, id string) (*Node, error) {
	return f.tree(f.listings, id, "resources")
}

func (f *fakeSources) ResourceArchive(_ context.Context, _, resourceID string) ([]byte, error) {
	f.record("archive:" + resourceID)
	data, ok := f.archives[resourceID]
	if !ok {
		return nil, ErrNoLocation
	}
	return data, nil
}

func (f *fakeSources) Download(_ context.Context, rawURL string) (*Download, error) {
	f.record("download:" + rawURL)
	body, ok := f.downloads[rawURL]
	if !ok {
		return nil, &StatusError{URL: rawURL, StatusCode: 404}
	}
	return &Download{Body: []byte(body), ContentType: "application/pdf"}, nil
}

type fakeRenderer struct {
	pages map[string]string
	fail  map[string]error
	panic string
	calls int
}

func (r *fakeRenderer) Render(_ context.Context, pageURL string) (string, error) {
	r.calls++
	if r.panic != "" {
		panic(r.panic)
	}
	if err := r.fail[pageURL]; err != nil {
		return "", err
	}
	return r.pages[pageURL], nil
}

func makeZip(t *testing.T, files ...[2]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f[0])
		require.NoError(t, err)
		_, err = w.Write([]byte(f[1]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

const (
	testURL     = "https://sam.gov/opp/abc123/view"
	metaPage    = `<html><head><meta property="og:title" content="Page Title"><meta name="description" content="Page description"></head><body>%s</body></html>`
	listingOneR = `{"_embedded": {"opportunityAttachmentList": [{"attachments": [
		{"name": "Statement of Work", "resourceId": "r1", "mimeType": "application/pdf"}]}]}}`
)

func newTestController(t *testing.T, src *fakeSources, r *fakeRenderer) *Controller {
	t.Helper()
	c := NewController(src, r, t.TempDir())
	return c
}

func TestController_ProcessSuccess(t *testing.T) {
	src := &fakeSources{
		opps:     map[string]string{"abc123": samOpportunityJSON},
		orgs:     map[string]string{"100186612": samOrganizationJSON},
		listings: map[string]string{"abc123": listingOneR},
		archives: map[string][]byte{"r1": makeZip(t,
			[2]string{"inner/sow-final.pdf", "%PDF-1.4 sow"},
			[2]string{"inner/", ""},
			[2]string{"inner/annex-a.docx", "annex"},
			[2]string{"inner/annex-b.docx", "annex b"},
		)},
	}
	r := &fakeRenderer{pages: map[string]string{testURL: fmt.Sprintf(metaPage, `<a href="/files/other.pdf">Other</a>`)}}
	c := newTestController(t, src, r)

	res := c.Process(context.Background(), testURL)

	assert.Equal(t, models.StatusSuccess, res.Status(), res.Errors)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, "abc123", res.Metadata.OpportunityID)
	assert.Equal(t, "Shipboard HVAC Maintenance", res.Metadata.Title)
	assert.Equal(t, "DEPT OF DEFENSE", res.Metadata.Department)

	require.Len(t, res.Attachments, 1, "listing entries replace scraped links")
	att := res.Attachments[0]
	assert.Equal(t, filepath.Join(c.AttachmentsRoot, "abc123", "Statement of Work.pdf"), att.LocalPath)
	assert.Len(t, att.ExtraFiles, 2)
	for _, p := range append([]string{att.LocalPath}, att.ExtraFiles...) {
		_, err := os.Stat(p)
		assert.NoError(t, err)
	}
	assert.False(t, res.FinishedAt.IsZero())
	assert.Empty(t, res.Payload)
}

func TestController_RenderTimeoutKeepsStructuredMetadata(t *testing.T) {
	src := &fakeSources{
		opps:     map[string]string{"abc123": samOpportunityJSON},
		listings: map[string]string{"abc123": listingOneR},
	}
	r := &fakeRenderer{fail: map[string]error{testURL: fmt.Errorf("navigate %s: %w", testURL, context.DeadlineExceeded)}}
	c := newTestController(t, src, r)

	res := c.Process(context.Background(), testURL)

	require.Len(t, res.Errors, 1)
	assert.True(t, strings.HasPrefix(res.Errors[0], "timeout: "), res.Errors[0])
	assert.Equal(t, models.StatusError, res.Status())
	assert.Equal(t, "Shipboard HVAC Maintenance", res.Metadata.Title)
	assert.Empty(t, res.Attachments)
	assert.NotContains(t, src.requested, "resources:abc123")
}

func TestController_RenderErrorIsPrefixed(t *testing.T) {
	r := &fakeRenderer{fail: map[string]error{testURL: errors.New("net::ERR_CONNECTION_RESET")}}
	res := newTestController(t, &fakeSources{}, r).Process(context.Background(), testURL)

	assert.Equal(t, []string{"error: net::ERR_CONNECTION_RESET"}, res.Errors)
}

func TestController_StructuredFailuresAreWarnings(t *testing.T) {
	r := &fakeRenderer{pages: map[string]string{testURL: fmt.Sprintf(metaPage, "")}}
	res := newTestController(t, &fakeSources{}, r).Process(context.Background(), testURL)

	assert.Equal(t, models.StatusSuccess, res.Status())
	require.Len(t, res.Warnings, 2)
	assert.True(t, strings.HasPrefix(res.Warnings[0], "opportunity: "))
	assert.True(t, strings.HasPrefix(res.Warnings[1], "resources: "))
	assert.Equal(t, "Page Title", res.Metadata.Title)
	assert.Equal(t, "Page description", res.Metadata.Description)
}

func TestController_AttachmentFailureIsIsolated(t *testing.T) {
	links := `<a href="https://files.example.gov/missing.pdf">Missing</a>
		<a href="https://files.example.gov/present.pdf">Present</a>`
	src := &fakeSources{downloads: map[string]string{"https://files.example.gov/present.pdf": "%PDF"}}
	r := &fakeRenderer{pages: map[string]string{testURL: fmt.Sprintf(metaPage, links)}}
	c := newTestController(t, src, r)

	res := c.Process(context.Background(), testURL)

	require.Len(t, res.Attachments, 2)
	assert.Empty(t, res.Attachments[0].LocalPath)
	assert.Contains(t, res.Attachments[0].Error, "404")
	assert.Equal(t, filepath.Join(c.AttachmentsRoot, "abc123", "Present.pdf"), res.Attachments[1].LocalPath)

	require.Len(t, res.Errors, 1)
	assert.True(t, strings.HasPrefix(res.Errors[0], "attachment:Missing:"), res.Errors[0])
	assert.Equal(t, models.StatusError, res.Status())
}

func TestController_IdenticalNamesNeverOverwrite(t *testing.T) {
	listing := `{"_embedded": {"opportunityAttachmentList": [{"attachments": [
		{"name": "Amendment", "uri": "https://files.example.gov/1"},
		{"name": "Amendment", "uri": "https://files.example.gov/2"},
		{"name": "Amendment", "uri": "https://files.example.gov/3"}]}]}}`
	src := &fakeSources{
		listings: map[string]string{"abc123": listing},
		downloads: map[string]string{
			"https://files.example.gov/1": "one",
			"https://files.example.gov/2": "two",
			"https://files.example.gov/3": "three",
		},
	}
	r := &fakeRenderer{pages: map[string]string{testURL: "<html></html>"}}
	res := newTestController(t, src, r).Process(context.Background(), testURL)

	require.Empty(t, res.Errors)
	seen := map[string]string{}
	for _, a := range res.Attachments {
		body, err := os.ReadFile(a.LocalPath)
		require.NoError(t, err)
		seen[filepath.Base(a.LocalPath)] = string(body)
	}
	assert.Equal(t, map[string]string{
		"Amendment.pdf":   "one",
		"Amendment_1.pdf": "two",
		"Amendment_2.pdf": "three",
	}, seen)
}

func TestController_PanicBecomesError(t *testing.T) {
	r := &fakeRenderer{panic: "boom"}
	res := newTestController(t, &fakeSources{}, r).Process(context.Background(), testURL)

	assert.Equal(t, []string{"error: panic: boom"}, res.Errors)
	assert.False(t, res.FinishedAt.IsZero())
}

func TestController_UnresolvableURL(t *testing.T) {
	r := &fakeRenderer{}
	res := newTestController(t, &fakeSources{}, r).Process(context.Background(), "https://sam.gov/")

	require.Len(t, res.Errors, 1)
	assert.Equal(t, 0, r.calls)
}

func TestController_IncludePayloadsKeepsKeyOrder(t *testing.T) {
	src := &fakeSources{opps: map[string]string{"abc123": `{"zeta": 1, "alpha": {"b": 2, "a": 1}}`}}
	r := &fakeRenderer{pages: map[string]string{testURL: ""}}
	c := newTestController(t, src, r)
	c.IncludePayloads = true

	res := c.Process(context.Background(), testURL)

	assert.JSONEq(t, `{"zeta": 1, "alpha": {"b": 2, "a": 1}}`, string(res.Payload["opportunity"]))
	assert.True(t, strings.Index(string(res.Payload["opportunity"]), "zeta") < strings.Index(string(res.Payload["opportunity"]), "alpha"))
}
