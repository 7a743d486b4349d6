package pipeline

// User-visible replies. Kept short, glyph-prefixed, and free of internal
// detail beyond the bounded error excerpt.
const (
	msgUnauthorized             = "⛔ You are not authorized to use this bot."
	msgRateLimited              = "⏳ Rate limit exceeded. Try again in %.1f seconds."
	msgVideoTooLarge            = "⚠️ Video exceeds the %d MB limit."
	msgTranscriptionUnavailable = "⚠️ Voice transcription is not configured."
	msgDownloadFailed           = "❌ Failed to download media file."
	msgTranscriptionFailed      = "❌ Transcription failed."
	msgBusy                     = "⚠️ Another request is already being processed."
	msgStopped                  = "🛑 Query stopped."
	msgErrorPrefix              = "❌ Error: "

	statusDownloadingAudio = "🎙 Downloading voice message..."
	statusDownloadingVideo = "📹 Downloading video..."
)

const errorExcerptLimit = 200

// errorExcerpt bounds an internal error message to 200 characters for user
// display, cutting on rune boundaries so the excerpt stays valid UTF-8.
func errorExcerpt(err error) string {
	message := err.Error()
	if len(message) <= errorExcerptLimit {
		return message
	}

	runes := []rune(message)
	if len(runes) <= errorExcerptLimit {
		return message
	}

	return string(runes[:errorExcerptLimit])
}
