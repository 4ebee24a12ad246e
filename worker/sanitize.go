package worker

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxMessageLength bounds any diagnostic text stored on a job or returned
// to a client.
const MaxMessageLength = 500

const (
	pathPlaceholder   = "<path>"
	secretPlaceholder = "<redacted>"
)

var (
	// Quoted paths may contain spaces.
	singleQuotedPathPattern = regexp.MustCompile(`'(?:/|[A-Za-z]:\\)[^'\n]*'`)
	doubleQuotedPathPattern = regexp.MustCompile(`"(?:/|[A-Za-z]:\\)[^"\n]*"`)
	fileURIPattern          = regexp.MustCompile(`(?i)\bfile://[^\s'"]*`)

	unixPathPattern    = regexp.MustCompile(`(^|[\s'"=(\[:,])(/[^\s/'"(),\]:]+)+/?`)
	windowsPathPattern = regexp.MustCompile(`\b[A-Za-z]:\\[^\s'"]*`)

	assignmentPattern = regexp.MustCompile(`(?i)\b(token|api[_-]?key|secret|password)(\s*[=:]\s*)\S+`)
	secretPatterns    = []*regexp.Regexp{
		regexp.MustCompile(`\bhf_[A-Za-z0-9]{8,}\b`),
		regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`),
		regexp.MustCompile(`\b[A-Za-z0-9_-]{32,}\b`),
	}
)

// Sanitize makes diagnostic text safe to show a client: the given secrets and
// anything credential-shaped become <redacted>, absolute paths become <path>,
// and the result is truncated to MaxMessageLength bytes.
func Sanitize(text string, secrets ...string) string {
	for _, s := range secrets {
		if s != "" {
			text = strings.ReplaceAll(text, s, secretPlaceholder)
		}
	}

	text = assignmentPattern.ReplaceAllString(text, "${1}${2}"+secretPlaceholder)
	for _, re := range secretPatterns {
		text = re.ReplaceAllString(text, secretPlaceholder)
	}

	text = singleQuotedPathPattern.ReplaceAllString(text, "'"+pathPlaceholder+"'")
	text = doubleQuotedPathPattern.ReplaceAllString(text, `"`+pathPlaceholder+`"`)
	text = fileURIPattern.ReplaceAllString(text, pathPlaceholder)
	text = windowsPathPattern.ReplaceAllString(text, pathPlaceholder)
	text = unixPathPattern.ReplaceAllString(text, "${1}"+pathPlaceholder)

	return truncate(strings.TrimSpace(text), MaxMessageLength)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - len("...")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
