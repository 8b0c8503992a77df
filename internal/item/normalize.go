package item

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// whitespaceRegex matches one or more whitespace characters
var whitespaceRegex = regexp.MustCompile(`\s+`)

// Normalize trims, lowercases and collapses internal whitespace.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	return whitespaceRegex.ReplaceAllString(s, " ")
}

// NormalizeCategory turns a free-form category ("Reading List") into the
// canonical key used for routing and summaries ("reading-list").
func NormalizeCategory(s string) string {
	return strings.ReplaceAll(Normalize(s), " ", "-")
}

// Classify guesses the kind of a raw text message using the capture bot's
// prefixes: "TODO:"/"Task:" → todo, "IDEA:" or 💡 → idea, URLs → link.
func Classify(text string) Kind {
	trimmed := strings.TrimSpace(text)
	upper := strings.ToUpper(trimmed)
	switch {
	case strings.HasPrefix(upper, "TODO:"), strings.HasPrefix(upper, "TASK:"):
		return KindTodo
	case strings.HasPrefix(upper, "IDEA:"), strings.Contains(trimmed, "💡"):
		return KindIdea
	case strings.HasPrefix(trimmed, "http://"), strings.HasPrefix(trimmed, "https://"),
		strings.Contains(trimmed, "www."):
		return KindLink
	}
	return KindText
}

// CountChars returns the character count as runes (not bytes).
func CountChars(text string) int {
	return utf8.RuneCountInString(text)
}

// Truncate shortens s to at most n runes, appending "..." when cut.
func Truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || CountChars(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n])) + "..."
}

// Slug turns a title into a lowercase file-name fragment of at most maxLen
// runes. Returns "" when nothing usable remains.
func Slug(title string, maxLen int) string {
	var b strings.Builder
	dash := false
	n := 0
	for _, r := range strings.ToLower(title) {
		if maxLen > 0 && n >= maxLen {
			break
		}
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			dash = false
			n++
		case !dash && b.Len() > 0:
			b.WriteRune('-')
			dash = true
			n++
		}
	}
	return strings.Trim(b.String(), "-")
}
