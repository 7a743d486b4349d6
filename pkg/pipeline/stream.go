package pipeline

import (
	"context"
	"sync"
	"time"

	"voxgate/pkg/bus"
	"voxgate/pkg/prompt"
)

// statusEditInterval throttles progress edits so chat transports that rate
// limit message edits are not hammered by token-level deltas.
const statusEditInterval = 1500 * time.Millisecond

// streamState accumulates progress for one streaming exchange and turns it
// into throttled edits of the status message. Progress arriving inside the
// throttle window is remembered and flushed when the window reopens, so the
// status message never goes stale on a quiet stream.
//
// It is constructed fresh per pipeline invocation and never reused across
// turns; reuse would leak stale throttle state between unrelated exchanges.
type streamState struct {
	ctx       context.Context
	transport bus.Transport
	status    bus.MessageRef

	mu       sync.Mutex
	lastText string
	lastEdit time.Time
	pending  string
	flush    *time.Timer
	stopped  bool
}

func newStreamState(ctx context.Context, transport bus.Transport, status bus.MessageRef) *streamState {
	return &streamState{ctx: ctx, transport: transport, status: status}
}

// OnProgress receives backend progress text. Edits are best-effort:
// transport failures are swallowed and the exchange continues.
func (s *streamState) OnProgress(text string) {
	rendered := prompt.Preview(text)

	s.mu.Lock()
	if s.stopped || rendered == s.lastText {
		s.mu.Unlock()
		return
	}
	if wait := statusEditInterval - time.Since(s.lastEdit); wait > 0 {
		s.pending = rendered
		if s.flush == nil {
			s.flush = time.AfterFunc(wait, s.flushPending)
		}
		s.mu.Unlock()
		return
	}
	s.pending = ""
	s.lastText = rendered
	s.lastEdit = time.Now()
	s.mu.Unlock()

	_ = s.transport.EditMessage(s.ctx, s.status, rendered)
}

// flushPending emits the newest text suppressed by the throttle window.
func (s *streamState) flushPending() {
	s.mu.Lock()
	s.flush = nil
	rendered := s.pending
	s.pending = ""
	if s.stopped || rendered == "" || rendered == s.lastText {
		s.mu.Unlock()
		return
	}
	s.lastText = rendered
	s.lastEdit = time.Now()
	s.mu.Unlock()

	_ = s.transport.EditMessage(s.ctx, s.status, rendered)
}

// Stop discards pending progress and cancels the flush timer so a late edit
// cannot overwrite the final response or error rendering.
func (s *streamState) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.pending = ""
	if s.flush != nil {
		s.flush.Stop()
		s.flush = nil
	}
	s.mu.Unlock()
}
