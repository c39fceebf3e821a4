package feed

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/JakeFAU/realtime-news-pipeline/internal/fingerprint"
)

// UnknownPublisher is used when no publisher can be inferred.
const UnknownPublisher = "Unknown"

const publisherName = `([A-Z0-9][\w&.'-]*(?:\s+[A-Z0-9][\w&.'-]*){0,4})`

// Checked in order: "via X", then "from X", then "by X".
var publisherPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?i:via)\s+` + publisherName),
	regexp.MustCompile(`\b(?i:from)\s+` + publisherName),
	regexp.MustCompile(`\b(?i:by)\s+` + publisherName),
}

var stripTags = bluemonday.StrictPolicy()

// InferPublisher picks the explicit publisher, then a description pattern,
// then the link's registrable domain, then UnknownPublisher.
func InferPublisher(explicit, description, link string) string {
	if name := strings.TrimSpace(explicit); name != "" {
		return name
	}
	if description != "" {
		text := strings.Join(strings.Fields(html.UnescapeString(stripTags.Sanitize(description))), " ")
		for _, re := range publisherPatterns {
			if m := re.FindStringSubmatch(text); m != nil {
				return strings.TrimRight(strings.TrimSpace(m[1]), ".")
			}
		}
	}
	if domain := fingerprint.RegistrableDomain(link); domain != "" {
		return domain
	}
	return UnknownPublisher
}
