package sanitize

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	scriptRegex = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRegex  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	htmlRegex   = regexp.MustCompile(`<[^>]*>`)
)

// SanitizeHTML removes all HTML tags
func SanitizeHTML(input string) string {
	input = scriptRegex.ReplaceAllString(input, "")
	input = styleRegex.ReplaceAllString(input, "")
	return htmlRegex.ReplaceAllString(input, "")
}

// StripControlCharacters removes control characters, keeping line breaks and tabs
func StripControlCharacters(input string) string {
	var result strings.Builder
	result.Grow(len(input))
	for _, r := range input {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Notes cleans free text written into a medical record. Markup and control
// characters are dropped and surrounding whitespace trimmed.
func Notes(input string) string {
	input = strings.ReplaceAll(input, "\r\n", "\n")
	return strings.TrimSpace(StripControlCharacters(SanitizeHTML(input)))
}
