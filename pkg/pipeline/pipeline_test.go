package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"voxgate/pkg/bus"
	"voxgate/pkg/config"
	"voxgate/pkg/media"
	providertypes "voxgate/pkg/provider/types"
	"voxgate/pkg/ratelimit"
	"voxgate/pkg/session"
)

type fakeTransport struct {
	mu            sync.Mutex
	replies       []string
	edits         []string
	deletes       []bus.MessageRef
	typingStarts  int
	typingStops   int
	nextMessageID int
	fileURLErr    error
}

func (t *fakeTransport) Reply(_ context.Context, text string) (bus.MessageRef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replies = append(t.replies, text)
	t.nextMessageID++
	return bus.MessageRef{ChatID: "chat-1", MessageID: t.nextMessageID}, nil
}

func (t *fakeTransport) EditMessage(_ context.Context, _ bus.MessageRef, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.edits = append(t.edits, text)
	return nil
}

func (t *fakeTransport) DeleteMessage(_ context.Context, ref bus.MessageRef) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deletes = append(t.deletes, ref)
	return nil
}

func (t *fakeTransport) FileURL(context.Context, string) (string, error) {
	if t.fileURLErr != nil {
		return "", t.fileURLErr
	}
	return "https://files.example/file-1", nil
}

func (t *fakeTransport) StartTyping(context.Context) func() {
	t.mu.Lock()
	t.typingStarts++
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		t.typingStops++
		t.mu.Unlock()
	}
}

func (t *fakeTransport) lastEdit(tb testing.TB) string {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.edits) == 0 {
		tb.Fatal("no status edits recorded")
	}
	return t.edits[len(t.edits)-1]
}

type allowAll struct{}

func (allowAll) Allowed(string) bool { return true }

type denyAll struct{}

func (denyAll) Allowed(string) bool { return false }

type fakeLimiter struct {
	mu       sync.Mutex
	calls    int
	decision ratelimit.Decision
}

func (l *fakeLimiter) Check(string) ratelimit.Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.decision
}

func allowLimiter() *fakeLimiter {
	return &fakeLimiter{decision: ratelimit.Decision{Allowed: true}}
}

type fakeAcquirer struct {
	mu    sync.Mutex
	dir   string
	calls int
	err   error
	paths []string
}

func (a *fakeAcquirer) Fetch(_ context.Context, _ string, kind bus.MediaKind, ext string) (*media.ScratchFile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return nil, a.err
	}

	path := filepath.Join(a.dir, fmt.Sprintf("%s_%d.%s", kind, len(a.paths), ext))
	if err := os.WriteFile(path, []byte("blob"), 0o600); err != nil {
		return nil, err
	}
	a.paths = append(a.paths, path)
	return &media.ScratchFile{Path: path}, nil
}

func (a *fakeAcquirer) lastPath(tb testing.TB) string {
	tb.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.paths) == 0 {
		tb.Fatal("no files acquired")
	}
	return a.paths[len(a.paths)-1]
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(context.Context, string) (string, error) {
	return f.text, f.err
}

type stubClient struct {
	mu            sync.Mutex
	prompts       []string
	progressText  string
	promptText    string
	promptErr     error
	promptStarted chan struct{}
	promptRelease chan struct{}
}

func (c *stubClient) Health(context.Context) error { return nil }

func (c *stubClient) CreateSession(context.Context, string) (string, error) {
	return "backend-1", nil
}

func (c *stubClient) PromptStreaming(ctx context.Context, _ string, prompt string, _ string, _ string, onProgress providertypes.ProgressFunc) (providertypes.PromptResult, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, prompt)
	c.mu.Unlock()

	if c.promptStarted != nil {
		close(c.promptStarted)
	}
	if c.promptRelease != nil {
		select {
		case <-c.promptRelease:
		case <-ctx.Done():
			return providertypes.PromptResult{}, providertypes.Cancelled(ctx.Err())
		}
	}
	if c.progressText != "" && onProgress != nil {
		onProgress(c.progressText)
	}
	if c.promptErr != nil {
		return providertypes.PromptResult{}, c.promptErr
	}
	return providertypes.PromptResult{Text: c.promptText}, nil
}

type recordingSink struct {
	mu         sync.Mutex
	mediaCalls []string
	rateCalls  []float64
	inputs     []string
	outputs    []string
}

func (s *recordingSink) Log(_, _, mediaKind, input, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mediaCalls = append(s.mediaCalls, mediaKind)
	s.inputs = append(s.inputs, input)
	s.outputs = append(s.outputs, output)
}

func (s *recordingSink) LogRateLimit(_, _ string, retryAfter float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateCalls = append(s.rateCalls, retryAfter)
}

type fixture struct {
	pipeline    *Pipeline
	transport   *fakeTransport
	limiter     *fakeLimiter
	acquirer    *fakeAcquirer
	client      *stubClient
	sink        *recordingSink
	sessions    *session.Manager
	transcriber *fakeTranscriber
}

func newFixture(t *testing.T, authorizer Authorizer) *fixture {
	t.Helper()

	cfg := &config.Config{}
	cfg.Media.MaxVideoSizeMB = 50

	client := &stubClient{promptText: "final answer"}
	sessions := session.NewManager(client, config.BackendConfig{Model: "anthropic/claude-sonnet-4-5"}, slog.Default())
	transport := &fakeTransport{}
	limiter := allowLimiter()
	acquirer := &fakeAcquirer{dir: t.TempDir()}
	transcriber := &fakeTranscriber{text: "hello from the voice note"}
	sink := &recordingSink{}

	p, err := New(cfg, authorizer, limiter, acquirer, transcriber, sessions, sink, slog.Default())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	return &fixture{
		pipeline:    p,
		transport:   transport,
		limiter:     limiter,
		acquirer:    acquirer,
		client:      client,
		sink:        sink,
		sessions:    sessions,
		transcriber: transcriber,
	}
}

func audioEvent() bus.MediaEvent {
	return bus.MediaEvent{
		Channel:  "telegram",
		UserID:   "100",
		Username: "alice",
		ChatID:   "chat-1",
		Kind:     bus.MediaKindAudio,
		FileID:   "file-1",
		FileName: "note.ogg",
		Duration: 12,
	}
}

func videoEvent() bus.MediaEvent {
	return bus.MediaEvent{
		Channel:      "telegram",
		UserID:       "100",
		Username:     "alice",
		ChatID:       "chat-1",
		Kind:         bus.MediaKindVideo,
		FileID:       "file-2",
		FileName:     "clip.mp4",
		DeclaredSize: 10 << 20,
		Caption:      "what happens here?",
	}
}

func TestUnauthorizedUserRejectedBeforeAnyWork(t *testing.T) {
	f := newFixture(t, denyAll{})

	if err := f.pipeline.HandleMedia(context.Background(), audioEvent(), f.transport); err != nil {
		t.Fatalf("HandleMedia error: %v", err)
	}

	if len(f.transport.replies) != 1 || f.transport.replies[0] != msgUnauthorized {
		t.Fatalf("replies = %q, want exactly the unauthorized message", f.transport.replies)
	}
	if f.limiter.calls != 0 {
		t.Fatal("rate limiter consulted for unauthorized user")
	}
	if f.acquirer.calls != 0 {
		t.Fatal("download attempted for unauthorized user")
	}
	if len(f.sink.mediaCalls) != 0 || len(f.sink.rateCalls) != 0 {
		t.Fatal("audit record written for unauthorized user")
	}
}

func TestOversizedVideoRejectedWithoutRateLimitCharge(t *testing.T) {
	f := newFixture(t, allowAll{})

	event := videoEvent()
	event.DeclaredSize = 51 << 20

	if err := f.pipeline.HandleMedia(context.Background(), event, f.transport); err != nil {
		t.Fatalf("HandleMedia error: %v", err)
	}

	want := fmt.Sprintf(msgVideoTooLarge, int64(50))
	if len(f.transport.replies) != 1 || f.transport.replies[0] != want {
		t.Fatalf("replies = %q, want %q", f.transport.replies, want)
	}
	if f.limiter.calls != 0 {
		t.Fatal("oversized video must not consume rate-limit budget")
	}
	if f.acquirer.calls != 0 {
		t.Fatal("oversized video must not be downloaded")
	}
}

func TestAudioRejectedWhenTranscriptionNotConfigured(t *testing.T) {
	f := newFixture(t, allowAll{})
	f.pipeline.transcriber = nil

	if err := f.pipeline.HandleMedia(context.Background(), audioEvent(), f.transport); err != nil {
		t.Fatalf("HandleMedia error: %v", err)
	}

	if len(f.transport.replies) != 1 || f.transport.replies[0] != msgTranscriptionUnavailable {
		t.Fatalf("replies = %q, want the configuration error", f.transport.replies)
	}
	if f.limiter.calls != 0 {
		t.Fatal("configuration gate must precede the rate-limit check")
	}
	if f.acquirer.calls != 0 {
		t.Fatal("download attempted without a transcriber")
	}
}

func TestRateLimitedRequestAuditedAndStopped(t *testing.T) {
	f := newFixture(t, allowAll{})
	f.limiter.decision = ratelimit.Decision{Allowed: false, RetryAfter: 5}

	if err := f.pipeline.HandleMedia(context.Background(), audioEvent(), f.transport); err != nil {
		t.Fatalf("HandleMedia error: %v", err)
	}

	want := fmt.Sprintf(msgRateLimited, 5.0)
	if len(f.transport.replies) != 1 || f.transport.replies[0] != want {
		t.Fatalf("replies = %q, want %q", f.transport.replies, want)
	}
	if len(f.sink.rateCalls) != 1 || f.sink.rateCalls[0] != 5 {
		t.Fatalf("rate-limit audit calls = %v, want one with 5", f.sink.rateCalls)
	}
	if f.acquirer.calls != 0 {
		t.Fatal("rate-limited request must not be downloaded")
	}
	if len(f.sink.mediaCalls) != 0 {
		t.Fatal("media audit record written for a rate-limited request")
	}
}

func TestAudioHappyPath(t *testing.T) {
	f := newFixture(t, allowAll{})
	f.client.progressText = "thinking about the note"

	if err := f.pipeline.HandleMedia(context.Background(), audioEvent(), f.transport); err != nil {
		t.Fatalf("HandleMedia error: %v", err)
	}

	if f.transport.replies[0] != statusDownloadingAudio {
		t.Fatalf("status message = %q, want %q", f.transport.replies[0], statusDownloadingAudio)
	}
	if got := f.transport.lastEdit(t); got != "final answer" {
		t.Fatalf("final edit = %q, want the response text", got)
	}

	var sawTranscript, sawProgress bool
	for _, edit := range f.transport.edits {
		if edit == "hello from the voice note" {
			sawTranscript = true
		}
		if edit == "thinking about the note" {
			sawProgress = true
		}
	}
	if !sawTranscript {
		t.Fatal("transcript preview edit missing")
	}
	if !sawProgress {
		t.Fatal("streaming progress edit missing")
	}

	if len(f.client.prompts) != 1 || !strings.Contains(f.client.prompts[0], "hello from the voice note") {
		t.Fatalf("prompts = %q, want one containing the transcript", f.client.prompts)
	}

	if _, err := os.Stat(f.acquirer.lastPath(t)); !os.IsNotExist(err) {
		t.Fatal("audio scratch file not deleted after completion")
	}

	if got := f.sessions.For("chat-1").Title(); got != "hello from the voice note" {
		t.Fatalf("conversation title = %q, want the transcript-derived title", got)
	}

	if f.transport.typingStarts != 1 || f.transport.typingStops == 0 {
		t.Fatalf("typing starts/stops = %d/%d, want paired", f.transport.typingStarts, f.transport.typingStops)
	}

	if len(f.sink.mediaCalls) != 1 || f.sink.mediaCalls[0] != "audio" {
		t.Fatalf("media audit calls = %v, want one audio record", f.sink.mediaCalls)
	}
	if f.sink.outputs[0] != "final answer" {
		t.Fatalf("audit output = %q, want the response text", f.sink.outputs[0])
	}
}

func TestVideoHappyPathLeavesScratchFile(t *testing.T) {
	f := newFixture(t, allowAll{})

	if err := f.pipeline.HandleMedia(context.Background(), videoEvent(), f.transport); err != nil {
		t.Fatalf("HandleMedia error: %v", err)
	}

	if f.transport.replies[0] != statusDownloadingVideo {
		t.Fatalf("status message = %q, want %q", f.transport.replies[0], statusDownloadingVideo)
	}

	path := f.acquirer.lastPath(t)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("video scratch file removed, stat error: %v", err)
	}

	if len(f.client.prompts) != 1 || !strings.Contains(f.client.prompts[0], path) {
		t.Fatalf("prompts = %q, want one referencing %q", f.client.prompts, path)
	}
	if !strings.Contains(f.client.prompts[0], "what happens here?") {
		t.Fatal("caption missing from video prompt")
	}

	if got := f.sessions.For("chat-1").Title(); got != "what happens here?" {
		t.Fatalf("conversation title = %q, want the caption", got)
	}
}

func TestDownloadFailureEditsStatus(t *testing.T) {
	f := newFixture(t, allowAll{})
	f.acquirer.err = errors.New("connect: network unreachable")

	if err := f.pipeline.HandleMedia(context.Background(), audioEvent(), f.transport); err != nil {
		t.Fatalf("HandleMedia error: %v", err)
	}

	if got := f.transport.lastEdit(t); got != msgDownloadFailed {
		t.Fatalf("edit = %q, want %q", got, msgDownloadFailed)
	}
	if f.limiter.calls != 1 {
		t.Fatal("download failure happens after the rate-limit charge")
	}
	if len(f.sink.mediaCalls) != 0 {
		t.Fatal("media audit record written for a failed download")
	}
}

func TestTranscriptionFailureReleasesScratch(t *testing.T) {
	f := newFixture(t, allowAll{})
	f.transcriber.err = errors.New("whisper: bad audio")

	if err := f.pipeline.HandleMedia(context.Background(), audioEvent(), f.transport); err != nil {
		t.Fatalf("HandleMedia error: %v", err)
	}

	if got := f.transport.lastEdit(t); got != msgTranscriptionFailed {
		t.Fatalf("edit = %q, want %q", got, msgTranscriptionFailed)
	}
	if _, err := os.Stat(f.acquirer.lastPath(t)); !os.IsNotExist(err) {
		t.Fatal("scratch file not deleted after transcription failure")
	}
	if _, ok := f.sessions.For("chat-1").StartProcessing(); !ok {
		t.Fatal("processing slot leaked by transcription failure")
	}
}

func TestBusySessionRejectedAndScratchReleased(t *testing.T) {
	f := newFixture(t, allowAll{})

	release, ok := f.sessions.For("chat-1").StartProcessing()
	if !ok {
		t.Fatal("setup: slot acquisition failed")
	}
	defer release()

	if err := f.pipeline.HandleMedia(context.Background(), videoEvent(), f.transport); err != nil {
		t.Fatalf("HandleMedia error: %v", err)
	}

	if got := f.transport.lastEdit(t); got != msgBusy {
		t.Fatalf("edit = %q, want %q", got, msgBusy)
	}
	if _, err := os.Stat(f.acquirer.lastPath(t)); !os.IsNotExist(err) {
		t.Fatal("scratch file must be deleted when the slot is busy, even for video")
	}
	if len(f.client.prompts) != 0 {
		t.Fatal("prompt dispatched despite busy slot")
	}
}

func TestDispatchErrorRendersBoundedExcerpt(t *testing.T) {
	f := newFixture(t, allowAll{})
	f.client.promptErr = errors.New("connection reset")

	if err := f.pipeline.HandleMedia(context.Background(), audioEvent(), f.transport); err != nil {
		t.Fatalf("HandleMedia error: %v", err)
	}

	if got := f.transport.lastEdit(t); got != "❌ Error: connection reset" {
		t.Fatalf("edit = %q, want %q", got, "❌ Error: connection reset")
	}
	if _, err := os.Stat(f.acquirer.lastPath(t)); !os.IsNotExist(err) {
		t.Fatal("scratch file not deleted after dispatch failure")
	}
	if _, ok := f.sessions.For("chat-1").StartProcessing(); !ok {
		t.Fatal("processing slot leaked by dispatch failure")
	}
	if len(f.sink.mediaCalls) != 0 {
		t.Fatal("media audit record written for a failed dispatch")
	}
}

func TestInterruptDuringDispatchDeletesStatus(t *testing.T) {
	f := newFixture(t, allowAll{})
	f.client.promptStarted = make(chan struct{})
	f.client.promptRelease = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- f.pipeline.HandleMedia(context.Background(), audioEvent(), f.transport)
	}()

	<-f.client.promptStarted
	if !f.pipeline.Interrupt("chat-1") {
		t.Fatal("Interrupt returned false with dispatch in flight")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("HandleMedia error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not return after interrupt")
	}

	if len(f.transport.deletes) != 1 {
		t.Fatalf("deletes = %v, want the status message dropped", f.transport.deletes)
	}
	for _, edit := range f.transport.edits {
		if edit == msgStopped {
			t.Fatal("stopped message rendered despite acknowledged interrupt")
		}
	}
	if f.sessions.For("chat-1").ConsumeInterrupt() {
		t.Fatal("interrupt flag not consumed by the pipeline")
	}
}

func TestUnpromptedCancellationEditsStopped(t *testing.T) {
	f := newFixture(t, allowAll{})
	f.client.promptErr = providertypes.Cancelled(context.Canceled)

	if err := f.pipeline.HandleMedia(context.Background(), audioEvent(), f.transport); err != nil {
		t.Fatalf("HandleMedia error: %v", err)
	}

	if got := f.transport.lastEdit(t); got != msgStopped {
		t.Fatalf("edit = %q, want %q", got, msgStopped)
	}
	if len(f.transport.deletes) != 0 {
		t.Fatal("status message deleted without a consumed interrupt")
	}
}

func TestInterruptUnknownChat(t *testing.T) {
	f := newFixture(t, allowAll{})

	if f.pipeline.Interrupt("missing") {
		t.Fatal("Interrupt returned true for a chat with no session")
	}
}

func TestErrorExcerptCountsRunesNotBytes(t *testing.T) {
	// 150 runes but 300 bytes: within the 200-character excerpt bound.
	short := strings.Repeat("é", 150)
	if got := errorExcerpt(errors.New(short)); got != short {
		t.Fatalf("excerpt = %q, want the full 150-rune message", got)
	}

	long := errorExcerpt(errors.New(strings.Repeat("é", 300)))
	if !utf8.ValidString(long) {
		t.Fatalf("excerpt is not valid UTF-8 at the cut: %q", long)
	}
	if got := utf8.RuneCountInString(long); got != errorExcerptLimit {
		t.Fatalf("excerpt runes = %d, want %d", got, errorExcerptLimit)
	}
}

func TestSummarizeCountsRunesNotBytes(t *testing.T) {
	// 400 runes but 800 bytes: within the 500-character summary bound.
	short := strings.Repeat("ü", 400)
	if got := summarize(short); got != short {
		t.Fatalf("summary = %q, want the full 400-rune text", got)
	}

	long := summarize(strings.Repeat("ü", 600))
	if !utf8.ValidString(long) {
		t.Fatalf("summary is not valid UTF-8 at the cut: %q", long)
	}
	if got := utf8.RuneCountInString(long); got != summaryLimit+3 {
		t.Fatalf("summary runes = %d, want %d plus ellipsis", got, summaryLimit)
	}
	if !strings.HasSuffix(long, "...") {
		t.Fatalf("summary = %q, want ellipsis suffix", long)
	}
}

func TestStreamStateThrottlesAndDedupes(t *testing.T) {
	transport := &fakeTransport{}
	state := newStreamState(context.Background(), transport, bus.MessageRef{ChatID: "chat-1", MessageID: 1})

	state.OnProgress("first")
	state.OnProgress("first")  // duplicate, dropped
	state.OnProgress("second") // inside the throttle window, dropped

	if len(transport.edits) != 1 || transport.edits[0] != "first" {
		t.Fatalf("edits = %q, want exactly the first progress text", transport.edits)
	}

	state.mu.Lock()
	state.lastEdit = time.Now().Add(-2 * statusEditInterval)
	state.mu.Unlock()

	state.OnProgress("second")
	if len(transport.edits) != 2 || transport.edits[1] != "second" {
		t.Fatalf("edits = %q, want the second text after the window", transport.edits)
	}
}

func TestStreamStateFlushesSuppressedProgress(t *testing.T) {
	transport := &fakeTransport{}
	state := newStreamState(context.Background(), transport, bus.MessageRef{ChatID: "chat-1", MessageID: 1})

	state.OnProgress("first")
	state.OnProgress("first plus more") // inside the throttle window, deferred

	state.mu.Lock()
	armed := state.flush != nil
	state.mu.Unlock()
	if !armed {
		t.Fatal("expected a flush timer for the suppressed text")
	}

	state.flushPending()
	if len(transport.edits) != 2 || transport.edits[1] != "first plus more" {
		t.Fatalf("edits = %q, want the suppressed text flushed", transport.edits)
	}
}

func TestStreamStateStopDiscardsPendingProgress(t *testing.T) {
	transport := &fakeTransport{}
	state := newStreamState(context.Background(), transport, bus.MessageRef{ChatID: "chat-1", MessageID: 1})

	state.OnProgress("first")
	state.OnProgress("late delta") // deferred behind the throttle window

	state.Stop()
	state.flushPending() // a timer firing after Stop must not edit
	state.OnProgress("after stop")

	if len(transport.edits) != 1 || transport.edits[0] != "first" {
		t.Fatalf("edits = %q, want only the pre-stop edit", transport.edits)
	}
}
