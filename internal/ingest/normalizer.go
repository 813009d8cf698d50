package ingest

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

var (
	descriptionPolicy = bluemonday.UGCPolicy()
	blankLineRun      = regexp.MustCompile(`\n{3,}`)
)

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "ul": true, "ol": true,
	"tr": true, "table": true, "section": true, "article": true, "blockquote": true,
	"pre": true, "hr": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// HTMLToText converts an HTML fragment to plain text. Block elements start
// new lines, whitespace inside a line is collapsed and runs of blank lines
// are squeezed to one.
func HTMLToText(fragment string) string {
	if strings.TrimSpace(fragment) == "" {
		return ""
	}
	sanitized := descriptionPolicy.Sanitize(fragment)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(sanitized))
	if err != nil {
		return normalizeSpace(sanitized)
	}

	var b strings.Builder
	for _, n := range doc.Selection.Nodes {
		collectText(n, &b)
	}
	lines := strings.Split(b.String(), "\n")
	for i, line := range lines {
		lines[i] = normalizeSpace(line)
	}
	text := blankLineRun.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(text)
}

func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		return
	}
	block := n.Type == html.ElementNode && blockElements[n.Data]
	if block {
		b.WriteString("\n")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
	if block {
		b.WriteString("\n")
	}
}

// pageMetaFields reads the title and description meta tags of a rendered page.
func pageMetaFields(page string) fieldMap {
	fields := fieldMap{}
	if strings.TrimSpace(page) == "" {
		return fields
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return fields
	}

	for _, sel := range []string{`meta[property="og:title"]`, `meta[name="twitter:title"]`} {
		if content, ok := doc.Find(sel).First().Attr("content"); ok && strings.TrimSpace(content) != "" {
			fields.set(fieldTitle, content)
			break
		}
	}
	if content, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		fields.set(fieldDescription, content)
	}
	return fields
}
