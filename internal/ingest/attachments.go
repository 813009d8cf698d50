package ingest

import (
	"context"
	"log"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/david/sam-harvester/internal/models"
)

var (
	documentExtensions = map[string]bool{
		".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
		".ppt": true, ".pptx": true, ".txt": true, ".csv": true, ".zip": true,
	}
	downloadKeywords = []string{"download", "attachment", "document", "file", "docs"}
)

// ResourceLister is the part of SourceClient the resolver needs.
type ResourceLister interface {
	Resources(ctx context.Context, opportunityID string) (*Node, error)
}

// AttachmentResolver discovers an opportunity's attachments, preferring the
// structured resource listing over links scraped from the page.
type AttachmentResolver struct {
	Lister ResourceLister
}

// Resolve returns the attachments of one opportunity. A listing failure is
// reported through warn and treated as an empty listing.
func (r *AttachmentResolver) Resolve(ctx context.Context, opportunityID, page, pageURL string, warn func(string)) []models.AttachmentInfo {
	if r.Lister != nil {
		listing, err := r.Lister.Resources(ctx, opportunityID)
		if err != nil {
			log.Printf("[Attachments] listing failed for %s: %v", opportunityID, err)
			if warn != nil {
				warn("resources: " + err.Error())
			}
		} else if found := parseResourceListing(listing); len(found) > 0 {
			return found
		}
	}
	return scrapeAttachmentLinks(page, pageURL)
}

// parseResourceListing reads _embedded.opportunityAttachmentList[].attachments[].
func parseResourceListing(listing *Node) []models.AttachmentInfo {
	var out []models.AttachmentInfo
	seen := map[[2]string]bool{}

	for _, group := range listing.Path("_embedded", "opportunityAttachmentList").Elements() {
		for _, entry := range group.Get("attachments").Elements() {
			att := models.AttachmentInfo{
				Name:         entry.Get("name").Text(),
				ResourceID:   entry.Get("resourceId").Text(),
				AttachmentID: entry.Get("attachmentId").Text(),
				FileType:     firstText(entry, "mimeType", "type"),
			}
			if size, err := strconv.ParseInt(entry.Get("size").Text(), 10, 64); err == nil {
				att.Size = size
			}
			if att.ResourceID == "" {
				att.URL = firstText(entry, "uri", "url")
			}
			if att.ResourceID == "" && att.URL == "" {
				continue
			}
			if seen[att.Key()] {
				continue
			}
			seen[att.Key()] = true
			out = append(out, att)
		}
	}
	return out
}

// scrapeAttachmentLinks collects document-like links from a rendered page.
func scrapeAttachmentLinks(page, pageURL string) []models.AttachmentInfo {
	if strings.TrimSpace(page) == "" {
		return nil
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil
	}

	var out []models.AttachmentInfo
	seen := map[[2]string]bool{}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		if !looksLikeDocument(abs) {
			return
		}

		link := abs.String()
		name := firstNonEmpty(normalizeSpace(s.Text()), urlFilename(link))
		if name == "" {
			return
		}
		att := models.AttachmentInfo{
			Name:     name,
			URL:      link,
			FileType: strings.TrimPrefix(strings.ToLower(path.Ext(abs.Path)), "."),
		}
		if seen[att.Key()] {
			return
		}
		seen[att.Key()] = true
		out = append(out, att)
	})
	return out
}

func looksLikeDocument(u *url.URL) bool {
	p := strings.ToLower(u.Path)
	if documentExtensions[path.Ext(p)] {
		return true
	}
	haystack := p + "?" + strings.ToLower(u.RawQuery)
	for _, kw := range downloadKeywords {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}
