package ingest

import (
	"strings"

	"github.com/david/sam-harvester/internal/models"
)

const (
	fieldTitle         = "title"
	fieldDescription   = "description"
	fieldPublishedDate = "published_date"
	fieldResponseDate  = "response_date"
	fieldSetAside      = "set_aside"
	fieldNAICS         = "naics"
	fieldPSC           = "psc"
	fieldPlace         = "place_of_performance"
	fieldContacts      = "contact_information"
	fieldDepartment    = "department"
	fieldSubTier       = "sub_tier"
	fieldOffice        = "office"
)

// fieldMap holds one source's candidate values. Blank values are never stored,
// so a missing key means "this source has nothing to say".
type fieldMap map[string]string

func (f fieldMap) set(field, value string) {
	if value = strings.TrimSpace(value); value != "" {
		f[field] = value
	}
}

// foldFields merges candidate maps in priority order: a field keeps the
// first non-empty value it receives.
func foldFields(sources ...fieldMap) fieldMap {
	out := fieldMap{}
	for _, src := range sources {
		for field, value := range src {
			if _, taken := out[field]; !taken {
				out.set(field, value)
			}
		}
	}
	return out
}

// Sources bundles the inputs of metadata extraction.
type Sources struct {
	Opportunity  *Node
	Organization *Node
	Page         string
}

// ExtractMetadata reconciles the structured payloads and the rendered page
// into one record. Structured values always win; the page only fills gaps.
func ExtractMetadata(samURL, opportunityID string, src Sources) models.OpportunityMetadata {
	fields := foldFields(
		knownPathFields(src.Opportunity),
		searchedFields(src.Opportunity),
		organizationFields(src.Organization, src.Opportunity),
		pageMetaFields(src.Page),
	)

	return models.OpportunityMetadata{
		SAMURL:             samURL,
		OpportunityID:      opportunityID,
		Title:              fields[fieldTitle],
		Description:        fields[fieldDescription],
		PublishedDate:      fields[fieldPublishedDate],
		ResponseDate:       fields[fieldResponseDate],
		SetAside:           fields[fieldSetAside],
		NAICS:              fields[fieldNAICS],
		PSC:                fields[fieldPSC],
		PlaceOfPerformance: fields[fieldPlace],
		ContactInformation: fields[fieldContacts],
		Department:         fields[fieldDepartment],
		SubTier:            fields[fieldSubTier],
		Office:             fields[fieldOffice],
	}
}

// knownPathFields reads the locations the v2 opportunity endpoint is known
// to use.
func knownPathFields(opp *Node) fieldMap {
	fields := fieldMap{}
	if opp == nil {
		return fields
	}
	details := opp.Get("data2")

	fields.set(fieldTitle, describe(details.Get("title")))
	for _, item := range opp.Get("description").Elements() {
		if body := item.Get("body").Text(); body != "" {
			fields.set(fieldDescription, HTMLToText(body))
			break
		}
	}
	fields.set(fieldPublishedDate, normalizeDate(opp.Get("postedDate").Text()))
	fields.set(fieldResponseDate, normalizeDate(details.Path("solicitation", "deadlines", "response").Text()))
	fields.set(fieldSetAside, firstText(details, "typeOfSetAside", "setAside", "sbaProgram"))
	fields.set(fieldNAICS, formatCodes(details.Get("naics")))
	fields.set(fieldPSC, describe(details.Get("classificationCode")))
	fields.set(fieldPlace, formatPlace(details.Get("placeOfPerformance")))
	fields.set(fieldContacts, formatContacts(details.Get("pointOfContact")))
	return fields
}

var (
	titleKeys        = []string{"title", "opportunityTitle", "noticeTitle"}
	descriptionKeys  = []string{"description", "summary", "noticeSummary"}
	publishedKeys    = []string{"publishDate", "publicationDate", "postedDate", "publish_date"}
	responseKeys     = []string{"responseDate", "responseDueDate", "closeDate", "responseCloseDate"}
	setAsideKeys     = []string{"typeOfSetAside", "setAside", "set_aside"}
	naicsKeys        = []string{"naics", "naicsCodes", "naics_code"}
	pscKeys          = []string{"psc", "pscCodes", "psc_code", "classificationCode"}
	placeSearchKeys  = []string{"placeOfPerformance"}
	contactKeys      = []string{"contacts", "pointsOfContact", "pointOfContact", "primaryContact", "contact"}
	hierarchyKeys    = []string{"organizationHierarchy", "organizationHierarchyDisplay"}
	departmentKeys   = []string{"department", "agency", "agencyName"}
	subTierKeys      = []string{"subTier", "subtier", "subAgency"}
	officeKeys       = []string{"office", "officeName"}
	organizationKeys = []string{"organizationId"}
)

// searchedFields runs the generic first-match search for payloads whose
// shape differs from the known one.
func searchedFields(opp *Node) fieldMap {
	fields := fieldMap{}
	if opp == nil {
		return fields
	}

	fields.set(fieldTitle, describe(opp.FindFirst(titleKeys, -1)))
	if desc := opp.FindFirst(descriptionKeys, -1); desc != nil {
		if desc.Kind == KindScalar {
			fields.set(fieldDescription, HTMLToText(desc.Text()))
		} else {
			fields.set(fieldDescription, HTMLToText(describeBody(desc)))
		}
	}
	fields.set(fieldPublishedDate, normalizeDate(describe(opp.FindFirst(publishedKeys, -1))))
	fields.set(fieldResponseDate, normalizeDate(describe(opp.FindFirst(responseKeys, -1))))
	fields.set(fieldSetAside, describe(opp.FindFirst(setAsideKeys, -1)))
	fields.set(fieldNAICS, formatCodes(opp.FindFirst(naicsKeys, -1)))
	fields.set(fieldPSC, formatCodes(opp.FindFirst(pscKeys, -1)))
	fields.set(fieldPlace, formatPlace(opp.FindFirst(placeSearchKeys, -1)))
	fields.set(fieldContacts, formatContacts(opp.FindFirst(contactKeys, -1)))
	return fields
}

// describeBody prefers "body" entries, the shape of SAM.gov description lists.
func describeBody(n *Node) string {
	for _, item := range n.Elements() {
		if body := item.Get("body").Text(); body != "" {
			return body
		}
	}
	return describe(n)
}

// organizationFields derives department, sub-tier and office. Precedence:
// the organization's dotted parent path, a shallow walk of the payload's
// organizationHierarchy, flat name fields, then the organization's own name.
func organizationFields(org, opp *Node) fieldMap {
	fields := fieldMap{}
	orgNode := embeddedOrg(org)

	if path := orgNode.Get("fullParentPathName").Text(); path != "" {
		var parts []string
		for _, p := range strings.Split(path, ".") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) > 0 {
			fields.set(fieldDepartment, parts[0])
		}
		if len(parts) > 1 {
			fields.set(fieldSubTier, parts[1])
		}
		switch {
		case len(parts) > 2:
			fields.set(fieldOffice, parts[len(parts)-1])
		case len(parts) == 2:
			fields.set(fieldOffice, parts[1])
		default:
			fields.set(fieldOffice, orgNode.Get("name").Text())
		}
		return fields
	}

	if opp != nil {
		if hierarchy := opp.FindFirst(hierarchyKeys, -1); hierarchy != nil {
			levels := hierarchyNames(hierarchy)
			targets := []string{fieldDepartment, fieldSubTier, fieldOffice}
			for i := 0; i < len(levels) && i < len(targets); i++ {
				fields.set(targets[i], levels[i])
			}
		}
		flat := fieldMap{}
		flat.set(fieldDepartment, describe(opp.FindFirst(departmentKeys, -1)))
		flat.set(fieldSubTier, describe(opp.FindFirst(subTierKeys, -1)))
		flat.set(fieldOffice, describe(opp.FindFirst(officeKeys, -1)))
		fields = foldFields(fields, flat)
	}

	if name := orgNode.Get("name").Text(); name != "" {
		byName := fieldMap{}
		byName.set(fieldDepartment, firstNonEmpty(orgNode.Get("l1ShortName").Text(), name))
		byName.set(fieldSubTier, name)
		byName.set(fieldOffice, name)
		fields = foldFields(fields, byName)
	}
	return fields
}

// embeddedOrg unwraps the organization endpoint's _embedded envelope.
func embeddedOrg(org *Node) *Node {
	embedded := org.Get("_embedded")
	if embedded == nil {
		return nil
	}
	if embedded.Kind == KindArray {
		return embedded.Index(0).Get("org")
	}
	return embedded.Get("org")
}

// hierarchyNames collects up to three names from the hierarchy node and its
// direct children, in document order. A plain string is read as a dotted or
// ">"-separated path.
func hierarchyNames(n *Node) []string {
	var names []string
	add := func(node *Node) {
		switch node.Kind {
		case KindObject:
			names = appendUnique(names, firstText(node, "name", "title"))
		case KindScalar:
			for _, part := range strings.FieldsFunc(node.Text(), func(r rune) bool { return r == '.' || r == '>' }) {
				names = appendUnique(names, part)
			}
		}
	}

	n.Walk(1, func(node *Node, depth int) bool {
		if depth == 0 && node.Kind == KindArray {
			return true
		}
		if depth == 0 || node.Kind == KindObject || n.Kind == KindArray {
			add(node)
		}
		return len(names) < 3
	})
	if len(names) > 3 {
		names = names[:3]
	}
	return names
}

// organizationID finds the organization reference on an opportunity payload.
func organizationID(opp *Node) string {
	if id := opp.Path("data2", "organizationId").Text(); id != "" {
		return id
	}
	return describe(opp.FindFirst(organizationKeys, -1))
}
