// Package textutil cleans collaborator-supplied text before it is shown to customers.
package textutil

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const maxMessageRunes = 280

var strictPolicy = bluemonday.StrictPolicy()

// PlainText strips markup from s and collapses whitespace. Entities are decoded because the result
// is rendered as JSON, not HTML.
func PlainText(s string) string {
	cleaned := html.UnescapeString(strictPolicy.Sanitize(s))
	return strings.Join(strings.Fields(cleaned), " ")
}

// Message returns a customer-facing message derived from s, falling back when s carries no text.
func Message(s, fallback string) string {
	text := PlainText(s)
	if text == "" {
		return fallback
	}
	return Truncate(text, maxMessageRunes)
}

// Truncate shortens s to at most limit runes, appending an ellipsis when it cuts.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit-1])) + "…"
}
