// Package format turns raw provider text into chat-safe message chunks.
package format

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MaxMessageLength is the chat transport limit used for clipping and splitting.
	MaxMessageLength = 4000

	clipLength      = 3950
	truncatedMarker = "\n\n... _(message truncated)_"
	bullet          = "• "
)

var (
	fenceLanguage = regexp.MustCompile("(?m)^([ \t]*```)[A-Za-z0-9_+#.-]+[ \t]*$")
	heading       = regexp.MustCompile(`(?m)^[ \t]*#{1,6}[ \t]+(.+?)(?:[ \t]+#+)?[ \t]*$`)
	bulletMarker  = regexp.MustCompile(`(?m)^([ \t]*)[-*+][ \t]+`)
	blankRun      = regexp.MustCompile(`\n{3,}`)
)

// Normalize strips code-fence language tags, turns headings into bold text,
// unifies bullet glyphs, clips overlong text and collapses blank-line runs.
func Normalize(raw string) string {
	text := strings.ReplaceAll(raw, "\r\n", "\n")

	text = fenceLanguage.ReplaceAllString(text, "$1")
	text = heading.ReplaceAllString(text, "*$1*")
	text = bulletMarker.ReplaceAllString(text, "$1"+bullet)

	if utf8.RuneCountInString(text) > MaxMessageLength {
		text = string([]rune(text)[:clipLength]) + truncatedMarker
	}

	text = blankRun.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}

// Split packs lines greedily into chunks of at most maxLength runes. A line
// longer than maxLength is cut at exact maxLength boundaries.
func Split(text string, maxLength int) []string {
	if maxLength <= 0 {
		maxLength = MaxMessageLength
	}

	if utf8.RuneCountInString(text) <= maxLength {
		return []string{text}
	}

	chunks := make([]string, 0)
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if chunk := strings.TrimSpace(current.String()); chunk != "" {
			chunks = append(chunks, chunk)
		}
		current.Reset()
		currentLen = 0
	}

	for _, line := range strings.Split(text, "\n") {
		lineLen := utf8.RuneCountInString(line)

		if currentLen+lineLen+1 <= maxLength {
			if currentLen > 0 {
				current.WriteByte('\n')
				currentLen++
			}
			current.WriteString(line)
			currentLen += lineLen
			continue
		}

		flush()

		runes := []rune(line)
		for len(runes) > maxLength {
			chunks = append(chunks, string(runes[:maxLength]))
			runes = runes[maxLength:]
		}

		current.WriteString(string(runes))
		currentLen = len(runes)
	}

	flush()

	return chunks
}
