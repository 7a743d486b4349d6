// Package prompt assembles backend prompts from preprocessed media content
// and derives conversation titles and status previews.
package prompt

import (
	"fmt"
	"strings"
)

const (
	captionSeparator = "\n\n---\n\n "
	titleLimit       = 50
	previewLimit     = 4000
	ellipsis         = "..."

	videoDefaultTitle = "Video message"
)

// AssembleAudio merges a transcript with an optional user caption.
func AssembleAudio(transcript, caption string) string {
	caption = strings.TrimSpace(caption)
	if caption == "" {
		return transcript
	}

	return transcript + captionSeparator + caption
}

// AssembleVideo builds the video prompt around the scratch file path. The
// backend performs its own processing against that path, so the path is
// embedded verbatim.
func AssembleVideo(path, caption string) string {
	caption = strings.TrimSpace(caption)
	if caption != "" {
		return fmt.Sprintf("The user sent a video file located at %s and says: %s", path, caption)
	}

	return fmt.Sprintf("Please transcribe and summarize the video file located at %s", path)
}

// Title derives a conversation title from its source text, truncated to
// 50 characters with an ellipsis suffix when longer.
func Title(source string) string {
	return truncate(strings.TrimSpace(source), titleLimit)
}

// VideoTitle picks the caption as title source, or a fixed placeholder.
func VideoTitle(caption string) string {
	caption = strings.TrimSpace(caption)
	if caption == "" {
		return videoDefaultTitle
	}

	return Title(caption)
}

// Preview bounds status-message text to 4000 characters.
func Preview(text string) string {
	return truncate(text, previewLimit)
}

// truncate bounds text to limit characters, not bytes, so a cut never
// lands inside a multibyte rune.
func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}

	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}

	return string(runes[:limit]) + ellipsis
}
