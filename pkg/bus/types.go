// Package bus defines the value types and transport contract shared between
// channel adapters and the media pipeline.
package bus

import "context"

// MediaKind identifies the class of inbound media.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// MediaEvent is one inbound media message. It is immutable once received
// and lives for a single pipeline invocation.
type MediaEvent struct {
	Channel      string    `json:"channel"`
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	ChatID       string    `json:"chat_id"`
	Kind         MediaKind `json:"kind"`
	FileID       string    `json:"file_id"`
	FileName     string    `json:"file_name,omitempty"`
	MimeType     string    `json:"mime_type,omitempty"`
	DeclaredSize int64     `json:"declared_size,omitempty"`
	Duration     int       `json:"duration,omitempty"`
	Caption      string    `json:"caption,omitempty"`
}

// MessageRef identifies one chat message for later edits or deletion.
type MessageRef struct {
	ChatID    string `json:"chat_id"`
	MessageID int    `json:"message_id"`
}

// Transport is the chat-side surface the pipeline drives for one chat.
//
// EditMessage and DeleteMessage are best-effort from the pipeline's point
// of view; implementations report errors but the pipeline never fails an
// invocation because a status edit was lost.
type Transport interface {
	// Reply posts a new message to the originating chat.
	Reply(ctx context.Context, text string) (MessageRef, error)
	// EditMessage replaces the text of a previously posted message.
	EditMessage(ctx context.Context, ref MessageRef, text string) error
	// DeleteMessage removes a previously posted message.
	DeleteMessage(ctx context.Context, ref MessageRef) error
	// FileURL resolves a transport file reference to a downloadable URL.
	FileURL(ctx context.Context, fileID string) (string, error)
	// StartTyping begins a periodic "working" signal. The returned stop
	// function is safe to call multiple times and after transport teardown.
	StartTyping(ctx context.Context) (stop func())
}
