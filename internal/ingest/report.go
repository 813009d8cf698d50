package ingest

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
)

// WriteReport prints one row per opportunity followed by the run totals.
func WriteReport(w io.Writer, s *RunSummary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Opportunity", "Status", "Attachments", "On Disk", "First Error"})

	for _, r := range s.Results {
		onDisk := 0
		for _, a := range r.Attachments {
			if a.LocalPath != "" {
				onDisk++
			}
		}
		firstErr := ""
		if len(r.Errors) > 0 {
			firstErr = truncate(r.Errors[0], 60)
		}
		t.AppendRow(table.Row{r.Metadata.OpportunityID, r.Status(), len(r.Attachments), onDisk, firstErr})
	}

	t.AppendFooter(table.Row{"Total", s.Total, "", s.AttachmentsOnDisk,
		fmt.Sprintf("%d ok, %d failed", s.Succeeded, s.Failed)})
	t.Render()
	if s.MetadataError != "" {
		fmt.Fprintf(w, "WARNING: metadata table not updated: %s\n", s.MetadataError)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
