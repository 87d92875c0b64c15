package whatsapp

import (
	"regexp"
	"strings"
)

// CoerceToCanonicalMarkdown and CoerceToPlatformMarkdown convert between the
// platform's inline emphasis markers (*bold*, _italic_) and canonical
// markdown (**bold**, _italic_ — already the canonical italic marker, so
// only bold changes shape). Both are pure and idempotent: applying either
// twice in a row is a no-op on its own output. Nested inline markers (e.g.
// bold containing italic containing bold) are an acknowledged ambiguity —
// not resolved here, only the common single-level case.
var (
	platformBold  = regexp.MustCompile(`\*([^*\n]+)\*`)
	canonicalBold = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
)

// doubleStarSentinel stands in for an already-canonical "**" while the
// single-star pass runs, so existing bold markers are never re-widened.
const doubleStarSentinel = "\x00DBSTAR\x00"

func CoerceToCanonicalMarkdown(text string) string {
	if text == "" {
		return text
	}
	masked := strings.ReplaceAll(text, "**", doubleStarSentinel)
	masked = platformBold.ReplaceAllString(masked, "**$1**")
	return strings.ReplaceAll(masked, doubleStarSentinel, "**")
}

func CoerceToPlatformMarkdown(text string) string {
	if text == "" {
		return text
	}
	return canonicalBold.ReplaceAllString(text, "*$1*")
}
