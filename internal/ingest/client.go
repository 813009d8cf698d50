package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/david/sam-harvester/internal/config"
	"github.com/go-resty/resty/v2"
)

var (
	// ErrNoLocation is returned when the archive endpoint answers with neither
	// archive bytes nor a location to fetch them from.
	ErrNoLocation = errors.New("archive endpoint returned no location")
)

// StatusError reports a non-2xx answer from the portal.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d from %s", e.StatusCode, e.URL)
}

// Download is the body of a successful direct GET.
type Download struct {
	Body        []byte
	ContentType string
}

// SourceClient is the structured side of SAM.gov: JSON payloads, the
// resource listing, and file downloads.
type SourceClient interface {
	Opportunity(ctx context.Context, opportunityID string) (*Node, error)
	Organization(ctx context.Context, organizationID string) (*Node, error)
	Resources(ctx context.Context, opportunityID string) (*Node, error)
	ResourceArchive(ctx context.Context, opportunityID, resourceID string) ([]byte, error)
	Download(ctx context.Context, rawURL string) (*Download, error)
}

// SAMClient implements SourceClient over an authenticated resty client.
type SAMClient struct {
	http      *resty.Client
	endpoints config.EndpointsConfig
}

func NewSAMClient(http *resty.Client, endpoints config.EndpointsConfig) *SAMClient {
	return &SAMClient{http: http, endpoints: endpoints}
}

func (c *SAMClient) Opportunity(ctx context.Context, opportunityID string) (*Node, error) {
	return c.getJSON(ctx, expandTemplate(c.endpoints.Opportunity, map[string]string{
		"opportunity_id": opportunityID,
	}))
}

func (c *SAMClient) Organization(ctx context.Context, organizationID string) (*Node, error) {
	return c.getJSON(ctx, expandTemplate(c.endpoints.Organization, map[string]string{
		"organization_id": organizationID,
	}))
}

func (c *SAMClient) Resources(ctx context.Context, opportunityID string) (*Node, error) {
	return c.getJSON(ctx, expandTemplate(c.endpoints.Resources, map[string]string{
		"opportunity_id": opportunityID,
	}))
}

// ResourceArchive resolves the zip endpoint for one resource and returns the
// archive bytes. The endpoint either redirects to the archive or answers
// with {"location": "..."}.
func (c *SAMClient) ResourceArchive(ctx context.Context, opportunityID, resourceID string) ([]byte, error) {
	endpoint := expandTemplate(c.endpoints.ResourceArchive, map[string]string{
		"opportunity_id": opportunityID,
		"resource_id":    resourceID,
	})
	resp, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	body := resp.Body()
	if isZip(body) {
		return body, nil
	}

	location := ""
	if loc := resp.Header().Get("Location"); loc != "" {
		location = loc
	} else {
		var payload struct {
			Location string `json:"location"`
		}
		if err := json.Unmarshal(body, &payload); err == nil {
			location = strings.TrimSpace(payload.Location)
		}
	}
	if location == "" {
		return nil, ErrNoLocation
	}

	archive, err := c.get(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("fetch archive location: %w", err)
	}
	return archive.Body(), nil
}

func (c *SAMClient) Download(ctx context.Context, rawURL string) (*Download, error) {
	resp, err := c.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return &Download{Body: resp.Body(), ContentType: resp.Header().Get("Content-Type")}, nil
}

func (c *SAMClient) getJSON(ctx context.Context, endpoint string) (*Node, error) {
	resp, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	node, err := ParseTree(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", redact(endpoint), err)
	}
	return node, nil
}

func (c *SAMClient) get(ctx context.Context, endpoint string) (*resty.Response, error) {
	resp, err := c.http.R().SetContext(ctx).Get(endpoint)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", redact(endpoint), err)
	}
	if !resp.IsSuccess() {
		return nil, &StatusError{URL: redact(endpoint), StatusCode: resp.StatusCode()}
	}
	return resp, nil
}

func isZip(b []byte) bool {
	return bytes.HasPrefix(b, []byte("PK\x03\x04")) || bytes.HasPrefix(b, []byte("PK\x05\x06"))
}

// redact drops the query string, which carries the nonce and api key.
func redact(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}
