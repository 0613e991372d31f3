package manifest

import (
	"net/url"
	"strings"
)

// HLS tags the proxy needs to recognise.
const (
	TagStreamInf     = "#EXT-X-STREAM-INF"
	TagDiscontinuity = "#EXT-X-DISCONTINUITY"
	TagKeyNone       = "#EXT-X-KEY:METHOD=NONE"
	TagInf           = "#EXTINF:"
)

// Kind classifies a single manifest line.
type Kind int

const (
	KindBlank Kind = iota
	KindDirective
	KindContent
)

func (k Kind) String() string {
	switch k {
	case KindBlank:
		return "blank"
	case KindDirective:
		return "directive"
	case KindContent:
		return "content"
	default:
		return "unknown"
	}
}

// Classify reports whether line is blank, a directive (starts with '#')
// or a content line holding a URI.
func Classify(line string) Kind {
	if line == "" {
		return KindBlank
	}
	if strings.HasPrefix(line, "#") {
		return KindDirective
	}
	return KindContent
}

// Manifest is the ordered list of lines of an HLS playlist.
// Methods never modify the receiver; they return a new Manifest.
type Manifest struct {
	lines []string
}

// Parse splits playlist text into lines. CRLF line endings are normalized to LF.
func Parse(text string) Manifest {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return Manifest{lines: strings.Split(text, "\n")}
}

// Lines returns a copy of the manifest lines.
func (m Manifest) Lines() []string {
	cp := make([]string, len(m.lines))
	copy(cp, m.lines)
	return cp
}

// Len returns the number of lines.
func (m Manifest) Len() int {
	return len(m.lines)
}

func (m Manifest) String() string {
	return strings.Join(m.lines, "\n")
}

// Absolutize resolves every content line against base.
// It must run before IsMaster/FirstVariantURI so that variant URIs are absolute.
func (m Manifest) Absolutize(base *url.URL) Manifest {
	out := make([]string, len(m.lines))
	for i, line := range m.lines {
		out[i] = ResolveLine(line, base)
	}
	return Manifest{lines: out}
}

// IsMaster reports whether the manifest advertises variant streams.
func (m Manifest) IsMaster() bool {
	for _, line := range m.lines {
		if isStreamInf(line) {
			return true
		}
	}
	return false
}

// FirstVariantURI returns the first content line that immediately follows
// an EXT-X-STREAM-INF directive. There is no bandwidth-based selection.
func (m Manifest) FirstVariantURI() (string, bool) {
	for i := 1; i < len(m.lines); i++ {
		if !isStreamInf(m.lines[i-1]) {
			continue
		}
		line := strings.TrimSpace(m.lines[i])
		if Classify(line) == KindContent {
			return line, true
		}
	}
	return "", false
}

func isStreamInf(line string) bool {
	if Classify(line) != KindDirective {
		return false
	}
	return line == TagStreamInf || strings.HasPrefix(line, TagStreamInf+":")
}
