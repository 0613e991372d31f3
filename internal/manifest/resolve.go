package manifest

import (
	"net/url"
	"strings"
)

// ResolveLine returns the absolute form of a content line relative to base.
// Directives and blank lines are returned untouched, and so is any line that
// does not parse as a URL reference.
func ResolveLine(line string, base *url.URL) string {
	if Classify(line) != KindContent || base == nil {
		return line
	}

	ref := strings.TrimSpace(line)
	if ref == "" {
		return line
	}

	u, err := url.Parse(ref)
	if err != nil {
		return line
	}
	return base.ResolveReference(u).String()
}
