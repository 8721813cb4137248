package channel

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// whatsappTextLimit is the Cloud API's maximum text body length.
const whatsappTextLimit = 4096

var (
	citationPattern = regexp.MustCompile(`【.*?】`)
	boldPattern     = regexp.MustCompile(`\*\*(.*?)\*\*`)
)

// FormatForWhatsApp adapts model output to WhatsApp's markup: citation
// markers like 【4:0†source】 are removed and **bold** becomes *bold*.
func FormatForWhatsApp(text string) string {
	text = strings.TrimSpace(citationPattern.ReplaceAllString(text, ""))
	return boldPattern.ReplaceAllString(text, "*$1*")
}

// chunkText splits text into pieces of at most limit runes, preferring
// paragraph and then line breaks as split points.
func chunkText(text string, limit int) []string {
	var chunks []string
	for utf8.RuneCountInString(text) > limit {
		cut := runePrefix(text, limit)
		if i := strings.LastIndex(cut, "\n\n"); i > 0 {
			cut = cut[:i]
		} else if i := strings.LastIndex(cut, "\n"); i > 0 {
			cut = cut[:i]
		}
		if c := strings.TrimSpace(cut); c != "" {
			chunks = append(chunks, c)
		}
		text = strings.TrimSpace(text[len(cut):])
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func runePrefix(s string, n int) string {
	i := 0
	for range n {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return s[:i]
}
