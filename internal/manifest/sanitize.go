package manifest

import "strings"

// Rules tunes the ad-stripping heuristics of a Sanitizer.
type Rules struct {
	// AdPodMin and AdPodMax bound the number of (EXTINF, URI) pairs a
	// discontinuity-delimited window must hold to be treated as an ad pod.
	AdPodMin int
	AdPodMax int
	// VendorSegments are path segments, slash-delimited on both sides,
	// flattened out of every line.
	VendorSegments []string
}

// DefaultRules returns the heuristics used when nothing is configured.
func DefaultRules() Rules {
	return Rules{
		AdPodMin:       10,
		AdPodMax:       18,
		VendorSegments: []string{"/convertv7/"},
	}
}

// Report counts what each pass of a Sanitize run removed.
type Report struct {
	NoKeyBlocks     int
	AdPods          int
	Discontinuities int
	VendorPaths     int
	BlankLines      int
}

// Removed returns the total number of removals across all passes.
func (r Report) Removed() int {
	return r.NoKeyBlocks + r.AdPods + r.Discontinuities + r.VendorPaths + r.BlankLines
}

// Sanitizer strips injected ad blocks and normalizes a media playlist.
type Sanitizer struct {
	rules Rules
}

// NewSanitizer creates a Sanitizer. Zero or invalid rule values fall back
// to DefaultRules.
func NewSanitizer(rules Rules) *Sanitizer {
	def := DefaultRules()
	if rules.AdPodMin <= 0 {
		rules.AdPodMin = def.AdPodMin
	}
	if rules.AdPodMax < rules.AdPodMin {
		rules.AdPodMax = def.AdPodMax
		if rules.AdPodMax < rules.AdPodMin {
			rules.AdPodMax = rules.AdPodMin
		}
	}

	segments := make([]string, 0, len(rules.VendorSegments))
	for _, seg := range rules.VendorSegments {
		if validVendorSegment(seg) {
			segments = append(segments, seg)
		}
	}
	if len(segments) == 0 && rules.VendorSegments == nil {
		segments = def.VendorSegments
	}
	rules.VendorSegments = segments

	return &Sanitizer{rules: rules}
}

// Rules returns the effective rules.
func (s *Sanitizer) Rules() Rules {
	return s.rules
}

// validVendorSegment rejects segments whose replacement by "/" would not
// shorten the line, which would make flattening loop forever.
func validVendorSegment(seg string) bool {
	return len(seg) >= 3 && strings.HasPrefix(seg, "/") && strings.HasSuffix(seg, "/")
}

var defaultSanitizer = NewSanitizer(DefaultRules())

// Sanitize runs the default sanitizer over playlist text.
func Sanitize(text string) string {
	out, _ := defaultSanitizer.Sanitize(Parse(text))
	return out.String()
}

// Sanitize applies the passes in order; each pass consumes the output of the
// previous one. The result is trimmed of surrounding whitespace.
func (s *Sanitizer) Sanitize(m Manifest) (Manifest, Report) {
	var report Report

	lines := m.Lines()
	lines = removeNoKeyBlocks(lines, &report)
	lines = removeAdPods(lines, s.rules.AdPodMin, s.rules.AdPodMax, &report)
	lines = stripDiscontinuities(lines, &report)
	lines = flattenVendorPaths(lines, s.rules.VendorSegments, &report)
	lines = dropBlankLines(lines, &report)

	return Parse(strings.TrimSpace(strings.Join(lines, "\n"))), report
}

func isDiscontinuity(line string) bool {
	return strings.TrimSpace(line) == TagDiscontinuity
}

func isKeyNone(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), TagKeyNone)
}

// isBareDuration matches "#EXTINF:<digits and dots>," with no title.
func isBareDuration(line string) bool {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, TagInf) || !strings.HasSuffix(line, ",") {
		return false
	}
	value := line[len(TagInf) : len(line)-1]
	if value == "" {
		return false
	}
	for _, r := range value {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}

// removeNoKeyBlocks drops every span opened by a discontinuity marker that
// is immediately followed by an unencrypted key tag, up to and including the
// next discontinuity marker. Openers without a closing marker are kept.
func removeNoKeyBlocks(lines []string, report *Report) []string {
	out := make([]string, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		if isDiscontinuity(lines[i]) && i+1 < len(lines) && isKeyNone(lines[i+1]) {
			if end := nextDiscontinuity(lines, i+2); end >= 0 {
				report.NoKeyBlocks++
				i = end
				continue
			}
		}
		out = append(out, lines[i])
	}
	return out
}

func nextDiscontinuity(lines []string, from int) int {
	for j := from; j < len(lines); j++ {
		if isDiscontinuity(lines[j]) {
			return j
		}
	}
	return -1
}

// removeAdPods drops discontinuity-delimited windows made only of
// min..max (duration, URI) pairs, markers included.
func removeAdPods(lines []string, minPairs, maxPairs int, report *Report) []string {
	out := make([]string, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		if isDiscontinuity(lines[i]) {
			pairs, end := countPairs(lines, i+1)
			if end < len(lines) && isDiscontinuity(lines[end]) && pairs >= minPairs && pairs <= maxPairs {
				report.AdPods++
				i = end
				continue
			}
		}
		out = append(out, lines[i])
	}
	return out
}

// countPairs counts consecutive (bare duration, content line) pairs starting
// at from and returns the count and the index of the first line past them.
func countPairs(lines []string, from int) (int, int) {
	pairs := 0
	k := from
	for k+1 < len(lines) && isBareDuration(lines[k]) && Classify(lines[k+1]) == KindContent {
		pairs++
		k += 2
	}
	return pairs, k
}

func stripDiscontinuities(lines []string, report *Report) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if isDiscontinuity(line) {
			report.Discontinuities++
			continue
		}
		out = append(out, line)
	}
	return out
}

func flattenVendorPaths(lines []string, segments []string, report *Report) []string {
	out := make([]string, len(lines))
	for i, line := range lines {
		for _, seg := range segments {
			for strings.Contains(line, seg) {
				report.VendorPaths += strings.Count(line, seg)
				line = strings.ReplaceAll(line, seg, "/")
			}
		}
		out[i] = line
	}
	return out
}

func dropBlankLines(lines []string, report *Report) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			report.BlankLines++
			continue
		}
		out = append(out, line)
	}
	return out
}
