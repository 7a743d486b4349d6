// Package transcribe converts downloaded audio files into text.
package transcribe

import "context"

// Transcriber is the speech-to-text collaborator contract. An error return
// signals transcription failure for the invocation.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}
