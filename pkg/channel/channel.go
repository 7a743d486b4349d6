package channel

import (
	"context"

	"voxgate/pkg/bus"
)

// Handler processes inbound media events and exposes interrupt control for
// in-flight exchanges.
type Handler interface {
	// HandleMedia runs the full media pipeline for one inbound event.
	HandleMedia(ctx context.Context, event bus.MediaEvent, transport bus.Transport) error
	// Interrupt cancels the in-flight exchange for a chat, if any.
	// It reports whether an exchange was actually interrupted.
	Interrupt(chatID string) bool
}

// Adapter bridges one external transport (for example Telegram) into VoxGate.
type Adapter interface {
	Name() string
	Run(context.Context, Handler) error
}
