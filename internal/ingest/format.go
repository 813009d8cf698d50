package ingest

import (
	"strings"
	"time"
)

const (
	listSep      = "; "
	codeSep      = " - "
	componentSep = ", "
)

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05-0700",
	"2006-01-02",
}

// normalizeDate reduces an ISO-8601 timestamp to its calendar date in the
// timestamp's own offset. Values that are not ISO-8601 pass through.
func normalizeDate(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return value
}

// describe renders any node as one line of text. Objects contribute their
// most name-like field; arrays are flattened and de-duplicated.
func describe(n *Node) string {
	if n.IsEmpty() {
		return ""
	}
	switch n.Kind {
	case KindScalar:
		return n.Text()
	case KindArray:
		parts := make([]string, 0, len(n.Items))
		for _, item := range n.Items {
			parts = append(parts, describe(item))
		}
		return joinUnique(parts, listSep)
	case KindObject:
		for _, key := range []string{"name", "title", "fullName", "value", "description", "code"} {
			if text := describe(n.GetFold(key)); text != "" {
				return text
			}
		}
	}
	return ""
}

// formatCodes flattens NAICS/PSC style code lists into "code - description"
// entries. A code may itself be a list, joined with ", ". The generic
// "primary" marker SAM.gov uses as a type is not treated as a description.
func formatCodes(n *Node) string {
	var entries []string
	for _, item := range n.Elements() {
		switch item.Kind {
		case KindScalar:
			entries = append(entries, item.Text())
		case KindObject:
			code := ""
			for _, key := range []string{"code", "naicsCode", "naics", "pscCode", "value", "id"} {
				v := item.GetFold(key)
				if v.IsEmpty() {
					continue
				}
				if v.Kind == KindArray {
					var codes []string
					for _, c := range v.Items {
						codes = appendUnique(codes, c.Text())
					}
					code = strings.Join(codes, componentSep)
				} else {
					code = v.Text()
				}
				if code != "" {
					break
				}
			}
			desc := firstText(item, "title", "description", "name", "type")
			switch {
			case code != "" && desc != "" && !strings.EqualFold(desc, "primary"):
				entries = append(entries, code+codeSep+desc)
			case code != "":
				entries = append(entries, code)
			case desc != "":
				entries = append(entries, desc)
			}
		case KindArray:
			entries = append(entries, formatCodes(item))
		}
	}
	return joinUnique(entries, listSep)
}

var placeKeys = []string{"streetAddress", "city", "state", "stateCode", "zip", "country", "countryCode"}

// formatPlace flattens placeOfPerformance objects into "city, state, zip,
// country" entries.
func formatPlace(n *Node) string {
	var entries []string
	for _, item := range n.Elements() {
		switch item.Kind {
		case KindScalar:
			entries = append(entries, item.Text())
		case KindObject:
			var parts []string
			for _, key := range placeKeys {
				parts = appendUnique(parts, describe(item.Get(key)))
			}
			entries = append(entries, strings.Join(parts, componentSep))
		case KindArray:
			entries = append(entries, formatPlace(item))
		}
	}
	return joinUnique(entries, listSep)
}

// formatContacts flattens point-of-contact records into "name, email, phone".
func formatContacts(n *Node) string {
	var entries []string
	for _, item := range n.Elements() {
		switch item.Kind {
		case KindScalar:
			entries = append(entries, item.Text())
		case KindObject:
			var parts []string
			parts = appendUnique(parts, firstText(item, "fullName", "name", "contactName"))
			parts = appendUnique(parts, firstText(item, "email", "emailAddress"))
			parts = appendUnique(parts, firstText(item, "phone", "phoneNumber"))
			entries = append(entries, strings.Join(parts, componentSep))
		case KindArray:
			entries = append(entries, formatContacts(item))
		}
	}
	return joinUnique(entries, listSep)
}
