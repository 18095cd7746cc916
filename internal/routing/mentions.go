package routing

import (
	"regexp"
	"strings"
)

var mentionRe = regexp.MustCompile(`@([a-zA-Z0-9][a-zA-Z0-9_-]*)`)

// ParseMentions resolves @slug references in the raw message against the
// known page slug set. Unresolvable mentions are dropped silently.
func ParseMentions(message string, knownSlugs []string) []string {
	if strings.TrimSpace(message) == "" || len(knownSlugs) == 0 {
		return nil
	}
	known := make(map[string]string, len(knownSlugs))
	for _, slug := range knownSlugs {
		known[strings.ToLower(strings.TrimSpace(slug))] = strings.TrimSpace(slug)
	}
	var out []string
	seen := map[string]bool{}
	for _, m := range mentionRe.FindAllStringSubmatch(message, -1) {
		slug, ok := known[strings.ToLower(m[1])]
		if !ok || seen[slug] {
			continue
		}
		seen[slug] = true
		out = append(out, slug)
	}
	return out
}
