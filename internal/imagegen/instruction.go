package imagegen

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DefaultPrompt is used when a request carries no prompt text.
const DefaultPrompt = "make brighter picture"

// NormalizePrompt applies NFC normalization and trims surrounding whitespace.
// Inner whitespace is kept as sent. An empty result falls back to fallback,
// or DefaultPrompt when that is empty too.
func NormalizePrompt(prompt, fallback string) string {
	cleaned := strings.TrimSpace(norm.NFC.String(prompt))
	if cleaned != "" {
		return cleaned
	}
	if fallback = strings.TrimSpace(fallback); fallback != "" {
		return fallback
	}
	return DefaultPrompt
}
