// Package pipeline implements the media-ingestion-to-streaming-response
// flow: gate checks, file acquisition, media preprocessing, prompt assembly,
// the single-flight session guard, live status feedback, cancellation
// classification, and guaranteed cleanup on every exit path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"voxgate/pkg/audit"
	"voxgate/pkg/bus"
	"voxgate/pkg/config"
	"voxgate/pkg/media"
	"voxgate/pkg/prompt"
	providertypes "voxgate/pkg/provider/types"
	"voxgate/pkg/ratelimit"
	"voxgate/pkg/session"
	"voxgate/pkg/transcribe"
)

const mebibyte = 1 << 20

// Authorizer is the allow-list gate contract.
type Authorizer interface {
	Allowed(userID string) bool
}

// RateLimiter is the per-user admission control contract.
type RateLimiter interface {
	Check(userID string) ratelimit.Decision
}

// Acquirer downloads a remote blob into local scratch storage.
type Acquirer interface {
	Fetch(ctx context.Context, url string, kind bus.MediaKind, ext string) (*media.ScratchFile, error)
}

// Pipeline orchestrates one media invocation end to end.
type Pipeline struct {
	authorizer  Authorizer
	limiter     RateLimiter
	acquirer    Acquirer
	transcriber transcribe.Transcriber
	sessions    *session.Manager
	sink        audit.Sink
	log         *slog.Logger

	maxVideoSizeMB int64
}

// New validates collaborators and builds a pipeline.
//
// A nil transcriber means transcription is not configured; the audio path
// then short-circuits before any download with a configuration-error reply.
func New(cfg *config.Config, authorizer Authorizer, limiter RateLimiter, acquirer Acquirer, transcriber transcribe.Transcriber, sessions *session.Manager, sink audit.Sink, log *slog.Logger) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if authorizer == nil {
		return nil, errors.New("authorizer is required")
	}
	if limiter == nil {
		return nil, errors.New("rate limiter is required")
	}
	if acquirer == nil {
		return nil, errors.New("file acquirer is required")
	}
	if sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}

	return &Pipeline{
		authorizer:     authorizer,
		limiter:        limiter,
		acquirer:       acquirer,
		transcriber:    transcriber,
		sessions:       sessions,
		sink:           sink,
		log:            log.With("component", "pipeline"),
		maxVideoSizeMB: cfg.Media.MaxVideoSizeMB,
	}, nil
}

// Interrupt cancels the in-flight exchange for a chat, if any.
func (p *Pipeline) Interrupt(chatID string) bool {
	return p.sessions.Interrupt(chatID)
}

// HandleMedia runs the full pipeline for one inbound media event.
//
// Gate-stage failures (authorization, size, configuration, rate limit,
// download, transcription) are terminal and reported at the stage that
// detected them; they never reach the lock-acquisition region. Failures
// after lock acquisition always flow through cleanup before any
// classification-driven user messaging.
func (p *Pipeline) HandleMedia(ctx context.Context, event bus.MediaEvent, transport bus.Transport) error {
	log := p.log.With("chat_id", event.ChatID, "user_id", event.UserID, "kind", event.Kind)

	if !p.authorizer.Allowed(event.UserID) {
		log.Warn("Rejected media message from unauthorized user")
		return p.reply(ctx, transport, msgUnauthorized)
	}

	// The video size gate intentionally precedes the rate-limit check, so
	// an oversized video costs the user no budget. Audio has no size gate;
	// its ordering differs (see the configuration gate below).
	if event.Kind == bus.MediaKindVideo && event.DeclaredSize > p.maxVideoSizeMB*mebibyte {
		log.Info("Rejected oversized video", "declared_size", event.DeclaredSize)
		return p.reply(ctx, transport, fmt.Sprintf(msgVideoTooLarge, p.maxVideoSizeMB))
	}

	if event.Kind == bus.MediaKindAudio && p.transcriber == nil {
		log.Warn("Rejected audio message, transcription not configured")
		return p.reply(ctx, transport, msgTranscriptionUnavailable)
	}

	decision := p.limiter.Check(event.UserID)
	if !decision.Allowed {
		log.Info("Rate limited media message", "retry_after", decision.RetryAfter)
		p.sink.LogRateLimit(event.UserID, event.Username, decision.RetryAfter)
		return p.reply(ctx, transport, fmt.Sprintf(msgRateLimited, decision.RetryAfter))
	}

	status, err := transport.Reply(ctx, downloadingStatus(event.Kind))
	if err != nil {
		return fmt.Errorf("post status message: %w", err)
	}

	scratch, err := p.download(ctx, event, transport)
	if err != nil {
		log.Error("Media download failed", "error", err)
		p.edit(ctx, transport, status, msgDownloadFailed)
		return nil
	}

	sess := p.sessions.For(event.ChatID)

	promptText, ok := p.preprocess(ctx, event, scratch, sess, transport, status)
	if !ok {
		scratch.Release()
		return nil
	}

	release, acquired := sess.StartProcessing()
	if !acquired {
		log.Warn("Processing slot busy")
		p.edit(ctx, transport, status, msgBusy)
		scratch.Release()
		return nil
	}

	// Video prompts reference the scratch path directly, so once dispatch is
	// certain the backend takes over deletion and cleanup leaves the file.
	if event.Kind == bus.MediaKindVideo {
		scratch.TransferToBackend()
	}

	stopTyping := transport.StartTyping(ctx)
	teardown := newCleanup(release, stopTyping, scratch)
	defer teardown.Run()

	state := newStreamState(ctx, transport, status)
	responseText, err := sess.SendMessageStreaming(ctx, promptText, event.Username, event.UserID, state.OnProgress)
	state.Stop()

	// Cleanup runs before any classification-driven messaging.
	teardown.Run()

	if err != nil {
		return p.reportDispatchFailure(ctx, err, sess, transport, status, log)
	}

	p.edit(ctx, transport, status, prompt.Preview(responseText))
	p.sink.Log(event.UserID, event.Username, string(event.Kind), summarize(promptText), summarize(responseText))
	return nil
}

// download resolves the transport file URL and fetches it to scratch storage.
func (p *Pipeline) download(ctx context.Context, event bus.MediaEvent, transport bus.Transport) (*media.ScratchFile, error) {
	url, err := transport.FileURL(ctx, event.FileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file url: %w", err)
	}

	return p.acquirer.Fetch(ctx, url, event.Kind, media.SuggestedExt(event.Kind, event.FileName))
}

// preprocess turns the scratch file into prompt text and derives the
// conversation title on the first turn. ok=false means the invocation was
// terminated at this stage and the failure already reported.
func (p *Pipeline) preprocess(ctx context.Context, event bus.MediaEvent, scratch *media.ScratchFile, sess *session.Session, transport bus.Transport, status bus.MessageRef) (string, bool) {
	switch event.Kind {
	case bus.MediaKindAudio:
		transcript, err := p.transcriber.Transcribe(ctx, scratch.Path)
		if err != nil {
			p.log.Error("Transcription failed", "chat_id", event.ChatID, "error", err)
			p.edit(ctx, transport, status, msgTranscriptionFailed)
			return "", false
		}

		// Best-effort transcript preview; not part of the prompt.
		p.edit(ctx, transport, status, prompt.Preview(transcript))

		if !sess.Active() {
			sess.SetTitle(prompt.Title(transcript))
		}
		return prompt.AssembleAudio(transcript, event.Caption), true

	case bus.MediaKindVideo:
		if !sess.Active() {
			sess.SetTitle(prompt.VideoTitle(event.Caption))
		}
		return prompt.AssembleVideo(scratch.Path, event.Caption), true

	default:
		p.log.Error("Unsupported media kind", "kind", event.Kind)
		p.edit(ctx, transport, status, msgDownloadFailed)
		return "", false
	}
}

// reportDispatchFailure classifies a streaming failure as user-initiated
// cancellation or a genuine error and renders the corresponding reply.
func (p *Pipeline) reportDispatchFailure(ctx context.Context, err error, sess *session.Session, transport bus.Transport, status bus.MessageRef, log *slog.Logger) error {
	if providertypes.IsCancellation(err) {
		if sess.ConsumeInterrupt() {
			// The cancellation was acknowledged where it was triggered;
			// just drop the stale status message.
			log.Info("Dispatch cancelled, already acknowledged")
			_ = transport.DeleteMessage(ctx, status)
			return nil
		}

		log.Info("Dispatch cancelled")
		p.edit(ctx, transport, status, msgStopped)
		return nil
	}

	log.Error("Dispatch failed", "error", err)
	p.edit(ctx, transport, status, msgErrorPrefix+errorExcerpt(err))
	return nil
}

func (p *Pipeline) reply(ctx context.Context, transport bus.Transport, text string) error {
	if _, err := transport.Reply(ctx, text); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}

	return nil
}

// edit is best-effort; losing a status edit never fails the invocation.
func (p *Pipeline) edit(ctx context.Context, transport bus.Transport, ref bus.MessageRef, text string) {
	if err := transport.EditMessage(ctx, ref, text); err != nil {
		p.log.Debug("Failed to edit status message", "error", err)
	}
}

func downloadingStatus(kind bus.MediaKind) string {
	if kind == bus.MediaKindVideo {
		return statusDownloadingVideo
	}

	return statusDownloadingAudio
}

const summaryLimit = 500

// summarize bounds audit record payloads to 500 characters on rune
// boundaries.
func summarize(text string) string {
	if len(text) <= summaryLimit {
		return text
	}

	runes := []rune(text)
	if len(runes) <= summaryLimit {
		return text
	}

	return string(runes[:summaryLimit]) + "..."
}
