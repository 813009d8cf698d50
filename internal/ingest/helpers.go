package ingest

import (
	"math/rand/v2"
	"net/url"
	"path"
	"strconv"
	"strings"
)

// normalizeSpace collapses multiple spaces into one and trims the string.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// appendUnique appends v unless it is blank or already present.
func appendUnique(list []string, v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return list
	}
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func joinUnique(items []string, sep string) string {
	var out []string
	for _, item := range items {
		out = appendUnique(out, item)
	}
	return strings.Join(out, sep)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// firstText returns the text of the first non-empty scalar among the keys.
func firstText(n *Node, keys ...string) string {
	for _, k := range keys {
		if v := n.Get(k); !v.IsEmpty() {
			if text := describe(v); text != "" {
				return text
			}
		}
	}
	return ""
}

// urlFilename returns the unescaped last path segment of rawURL.
func urlFilename(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return ""
	}
	return base
}

// expandTemplate substitutes {placeholders} in an endpoint template. Values
// are path-escaped; {nonce} gets a fresh random number per call.
func expandTemplate(tmpl string, values map[string]string) string {
	pairs := []string{"{nonce}", strconv.FormatUint(rand.Uint64(), 10)}
	for k, v := range values {
		pairs = append(pairs, "{"+k+"}", url.PathEscape(v))
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
