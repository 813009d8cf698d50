package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"path/filepath"
	"time"

	"github.com/david/sam-harvester/internal/models"
)

// ItemState tracks how far one input row got through the controller.
type ItemState string

const (
	StatePending               ItemState = "PENDING"
	StateFetchingSources       ItemState = "FETCHING_SOURCES"
	StateExtractingAttachments ItemState = "EXTRACTING_ATTACHMENTS"
	StateDownloading           ItemState = "DOWNLOADING"
	StateDone                  ItemState = "DONE"
)

// Item is one input row in flight. Prepare takes it up to the point where
// only downloads remain; Download finishes it.
type Item struct {
	Result *models.OpportunityResult
	State  ItemState

	// halted is set when a step failed and the remaining steps are skipped.
	halted bool
}

// Controller drives a single opportunity through identifier resolution,
// source fetching, metadata extraction, attachment discovery and download.
// It never returns an error: every failure ends up on the result.
type Controller struct {
	Sources         SourceClient
	Renderer        PageRenderer
	Attachments     *AttachmentResolver
	Fetcher         *AttachmentFetcher
	AttachmentsRoot string
	IncludePayloads bool
}

// NewController wires the default resolver and fetcher around one client.
func NewController(sources SourceClient, renderer PageRenderer, attachmentsRoot string) *Controller {
	return &Controller{
		Sources:         sources,
		Renderer:        renderer,
		Attachments:     &AttachmentResolver{Lister: sources},
		Fetcher:         &AttachmentFetcher{Client: sources},
		AttachmentsRoot: attachmentsRoot,
	}
}

// Process runs every step for one URL.
func (c *Controller) Process(ctx context.Context, samURL string) *models.OpportunityResult {
	item := c.Prepare(ctx, samURL)
	c.Download(ctx, item)
	return item.Result
}

// Prepare fetches the sources, renders the page, assembles metadata and
// resolves the attachment list. It must not run concurrently with another
// Prepare on the same renderer.
func (c *Controller) Prepare(ctx context.Context, samURL string) (item *Item) {
	oppID := ResolveIdentifier(samURL)
	item = &Item{Result: models.NewOpportunityResult(samURL, oppID), State: StatePending}
	defer c.recoverInto(item)

	r := item.Result
	if oppID == "" {
		r.AddError("error: could not derive an opportunity id from the url")
		c.finish(item)
		return item
	}

	item.State = StateFetchingSources
	var src Sources
	if opp, err := c.Sources.Opportunity(ctx, oppID); err != nil {
		log.Printf("[Controller] %s: opportunity payload unavailable: %v", oppID, err)
		r.AddWarning("opportunity: " + err.Error())
	} else {
		src.Opportunity = opp
		c.keepPayload(r, "opportunity", opp)
	}

	if orgID := organizationID(src.Opportunity); orgID != "" {
		if org, err := c.Sources.Organization(ctx, orgID); err != nil {
			log.Printf("[Controller] %s: organization %s unavailable: %v", oppID, orgID, err)
			r.AddWarning("organization: " + err.Error())
		} else {
			src.Organization = org
			c.keepPayload(r, "organization", org)
		}
	}

	page, err := c.Renderer.Render(ctx, samURL)
	if err != nil {
		log.Printf("[Controller] %s: render failed: %v", oppID, err)
		if isTimeout(err) {
			r.AddError("timeout: " + err.Error())
		} else {
			r.AddError("error: " + err.Error())
		}
		item.halted = true
	} else {
		src.Page = page
	}

	// Metadata is assembled even when rendering failed so the structured
	// fields still reach the store.
	r.Metadata = ExtractMetadata(samURL, oppID, src)
	if item.halted {
		c.finish(item)
		return item
	}

	item.State = StateExtractingAttachments
	r.Attachments = c.Attachments.Resolve(ctx, oppID, page, samURL, r.AddWarning)
	if r.Attachments == nil {
		r.Attachments = []models.AttachmentInfo{}
	}
	return item
}

// Download fetches every resolved attachment sequentially into the item's
// directory. Each failure is recorded against its attachment only.
func (c *Controller) Download(ctx context.Context, item *Item) {
	if item.State == StateDone {
		return
	}
	defer c.recoverInto(item)
	defer c.finish(item)
	if item.halted {
		return
	}

	item.State = StateDownloading
	r := item.Result
	dir := filepath.Join(c.AttachmentsRoot, r.Metadata.OpportunityID)
	used := NameSet{}

	for i := range r.Attachments {
		att := &r.Attachments[i]
		local, extras, err := c.Fetcher.Fetch(ctx, r.Metadata.OpportunityID, *att, dir, used)
		if err != nil {
			log.Printf("[Controller] %s: attachment %q failed: %v", r.Metadata.OpportunityID, att.Name, err)
			att.Error = err.Error()
			r.AddError(fmt.Sprintf("attachment:%s:%v", att.Name, err))
			continue
		}
		att.LocalPath = local
		att.ExtraFiles = extras
		annotateDownload(att)
	}
}

func (c *Controller) finish(item *Item) {
	item.State = StateDone
	item.Result.FinishedAt = time.Now().UTC()
}

func (c *Controller) recoverInto(item *Item) {
	if p := recover(); p != nil {
		log.Printf("[Controller] panic while processing %s: %v", item.Result.Metadata.SAMURL, p)
		item.Result.AddError(fmt.Sprintf("error: panic: %v", p))
		item.halted = true
		c.finish(item)
	}
}

func (c *Controller) keepPayload(r *models.OpportunityResult, key string, n *Node) {
	if !c.IncludePayloads || n == nil {
		return
	}
	raw, err := json.Marshal(n)
	if err != nil {
		return
	}
	r.Payload[key] = raw
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
