package conversation

import (
	"strings"
	"unicode"
)

const (
	maxTitleRunes    = 30
	imageOnlyTitle   = "Image Analysis"
	videoOnlyTitle   = "Video Analysis"
	titleEllipsis    = "…"
	minWordTrimRunes = maxTitleRunes / 2
)

// deriveTitle names a session after its first message. Long text is cut at a
// word boundary when one falls in the second half of the limit.
func deriveTitle(text string, images int, video bool) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		if video {
			return videoOnlyTitle
		}
		if images > 0 {
			return imageOnlyTitle
		}
		return ""
	}
	runes := []rune(text)
	if len(runes) <= maxTitleRunes {
		return text
	}
	cut := runes[:maxTitleRunes]
	if i := lastSpace(cut); i >= minWordTrimRunes {
		cut = cut[:i]
	}
	return strings.TrimRightFunc(string(cut), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	}) + titleEllipsis
}

func lastSpace(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == ' ' {
			return i
		}
	}
	return -1
}
