package tools

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// MaxOutputSize caps the text placed in a tool message.
const MaxOutputSize = 10 * 1024

const truncatedMarker = "\n... [output truncated]"

// Format renders a result as tool message text. Failing results are
// prefixed with "Error: " and keep any partial output after it.
func Format(r Result) string {
	var text string
	if r.Success {
		text = r.Output
		if text == "" && len(r.Data) > 0 {
			if data, err := json.Marshal(r.Data); err == nil {
				text = string(data)
			}
		}
		if text == "" {
			text = "(no output)"
		}
	} else {
		msg := r.Error
		if msg == "" {
			msg = "tool failed"
		}
		text = "Error: " + msg
		if r.Output != "" {
			text += "\n" + r.Output
		}
	}
	return Truncate(text, MaxOutputSize)
}

// Truncate shortens s to at most max bytes plus a marker, cutting on a
// rune boundary.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	var b strings.Builder
	b.Grow(cut + len(truncatedMarker))
	b.WriteString(s[:cut])
	b.WriteString(truncatedMarker)
	return b.String()
}
