package channel

import "strings"

// SplitText is the default chunker: it splits text into pieces of at most
// limit bytes, preferring to break on a newline, then on a space, and only
// mid-word as a last resort.
func SplitText(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(text) > limit {
		var cut = limit
		if i := strings.LastIndexByte(text[:limit], '\n'); i > 0 {
			cut = i
		} else if i := strings.LastIndexByte(text[:limit], ' '); i > 0 {
			cut = i
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], " \n"))
		text = strings.TrimLeft(text[cut:], " \n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
