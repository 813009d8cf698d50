package models

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// OpportunityMetadata is the flat descriptive record stored per SAM.gov URL.
// SAMURL is the merge key of the metadata table.
type OpportunityMetadata struct {
	SAMURL             string `json:"sam_url"`
	OpportunityID      string `json:"opportunity_id"`
	Title              string `json:"title"`
	Description        string `json:"description"`
	PublishedDate      string `json:"published_date"`
	ResponseDate       string `json:"response_date"`
	SetAside           string `json:"set_aside"`
	NAICS              string `json:"naics"`
	PSC                string `json:"psc"`
	PlaceOfPerformance string `json:"place_of_performance"`
	ContactInformation string `json:"contact_information"`
	Department         string `json:"department"`
	SubTier            string `json:"sub_tier"`
	Office             string `json:"office"`
}

// AttachmentInfo describes one attachment candidate. Exactly one of URL and
// ResourceID is set; LocalPath is set only after a successful download.
type AttachmentInfo struct {
	Name         string   `json:"name"`
	URL          string   `json:"url,omitempty"`
	ResourceID   string   `json:"resource_id,omitempty"`
	AttachmentID string   `json:"attachment_id,omitempty"`
	FileType     string   `json:"file_type,omitempty"`
	Size         int64    `json:"size,omitempty"`
	LocalPath    string   `json:"local_path,omitempty"`
	ExtraFiles   []string `json:"extra_files,omitempty"`
	Pages        int      `json:"pages,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Key identifies an attachment within one opportunity.
func (a AttachmentInfo) Key() [2]string {
	if a.ResourceID != "" {
		return [2]string{a.Name, a.ResourceID}
	}
	return [2]string{a.Name, a.URL}
}

// OpportunityResult is the output of processing a single input row.
type OpportunityResult struct {
	Metadata    OpportunityMetadata        `json:"metadata"`
	Attachments []AttachmentInfo           `json:"attachments"`
	Errors      []string                   `json:"errors"`
	Warnings    []string                   `json:"warnings,omitempty"`
	Payload     map[string]json.RawMessage `json:"payload,omitempty"`
	StartedAt   time.Time                  `json:"started_at"`
	FinishedAt  time.Time                  `json:"finished_at"`
}

func NewOpportunityResult(samURL, opportunityID string) *OpportunityResult {
	return &OpportunityResult{
		Metadata:    OpportunityMetadata{SAMURL: samURL, OpportunityID: opportunityID},
		Attachments: []AttachmentInfo{},
		Errors:      []string{},
		Payload:     map[string]json.RawMessage{},
		StartedAt:   time.Now().UTC(),
	}
}

func (r *OpportunityResult) Status() Status {
	if len(r.Errors) > 0 {
		return StatusError
	}
	return StatusSuccess
}

func (r *OpportunityResult) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
}

func (r *OpportunityResult) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// RunStats are the aggregate counts of one orchestrator run.
type RunStats struct {
	Total             int    `json:"total"`
	Succeeded         int    `json:"succeeded"`
	Failed            int    `json:"failed"`
	AttachmentsOnDisk int    `json:"attachments_on_disk"`
	ManifestPath      string `json:"manifest_path,omitempty"`
	// MetadataError is set when the metadata table could not be updated;
	// the previous table is left as it was.
	MetadataError     string `json:"metadata_error,omitempty"`
}

// RunRecord is one entry of the run log.
type RunRecord struct {
	RunID      string     `json:"run_id"`
	InputCSV   string     `json:"input_csv"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	RunStats
}

const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)
