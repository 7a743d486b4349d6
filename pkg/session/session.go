// Package session owns per-chat conversation state: the backend
// conversation, its title, the single-flight processing slot, and the
// one-shot interrupt flag.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"voxgate/pkg/config"
	"voxgate/pkg/provider"
	providertypes "voxgate/pkg/provider/types"
)

// Session is the mutable conversation state tracked for one chat.
//
// At most one pipeline invocation may hold the processing slot at any time;
// SendMessageStreaming never runs concurrently with itself on one Session.
type Session struct {
	client  provider.Client
	backend config.BackendConfig
	chatID  string
	log     *slog.Logger

	slot chan struct{}

	mu           sync.Mutex
	backendID    string
	title        string
	interrupted  bool
	cancelActive context.CancelFunc
}

func newSession(client provider.Client, backend config.BackendConfig, chatID string, log *slog.Logger) *Session {
	return &Session{
		client:  client,
		backend: backend,
		chatID:  chatID,
		log:     log.With("component", "session", "chat_id", chatID),
		slot:    make(chan struct{}, 1),
	}
}

// Active reports whether a backend conversation exists for this chat.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendID != ""
}

// SetTitle stores the conversation title. It is write-once: the first call
// before the conversation is created wins and later calls are ignored.
func (s *Session) SetTitle(title string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.title != "" || s.backendID != "" {
		return false
	}

	s.title = strings.TrimSpace(title)
	return s.title != ""
}

// Title returns the stored conversation title.
func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

// StartProcessing acquires the single-flight processing slot.
//
// Acquisition never blocks: when another invocation holds the slot, ok is
// false and the caller must report busy instead of queueing. The returned
// release function is idempotent and must be invoked exactly once per
// acquisition via the caller's cleanup path.
func (s *Session) StartProcessing() (release func(), ok bool) {
	select {
	case s.slot <- struct{}{}:
	default:
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-s.slot })
	}, true
}

// SendMessageStreaming dispatches one prompt to the backend conversation,
// creating the conversation on first use with the stored title. Backend
// progress is pushed into onProgress as it arrives.
//
// Callers must hold the processing slot acquired via StartProcessing.
func (s *Session) SendMessageStreaming(ctx context.Context, prompt string, username string, userID string, onProgress providertypes.ProgressFunc) (string, error) {
	startedAt := time.Now()

	backendID, err := s.ensureConversation(ctx)
	if err != nil {
		return "", err
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancelActive = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancelActive = nil
		s.mu.Unlock()
	}()

	s.log.Info("Dispatching media prompt", "user_id", userID, "username", username, "prompt_length", len(prompt))

	result, err := s.client.PromptStreaming(dispatchCtx, backendID, prompt, s.backend.Model, s.backend.Agent, onProgress)
	if err != nil {
		s.log.Debug("Dispatch failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", err
	}

	s.log.Info("Dispatch completed", "duration_ms", time.Since(startedAt).Milliseconds(), "response_length", len(result.Text))
	return result.Text, nil
}

// Interrupt cancels the in-flight dispatch, if any, and arms the one-shot
// interrupt flag so the pipeline's cancellation handling stays silent.
func (s *Session) Interrupt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelActive == nil {
		return false
	}

	s.interrupted = true
	s.cancelActive()
	return true
}

// ConsumeInterrupt reads and clears the interrupt flag in one step.
func (s *Session) ConsumeInterrupt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	value := s.interrupted
	s.interrupted = false
	return value
}

func (s *Session) ensureConversation(ctx context.Context) (string, error) {
	s.mu.Lock()
	backendID := s.backendID
	title := s.title
	s.mu.Unlock()

	if backendID != "" {
		return backendID, nil
	}

	backendID, err := s.client.CreateSession(ctx, title)
	if err != nil {
		return "", fmt.Errorf("create backend conversation: %w", err)
	}

	s.mu.Lock()
	s.backendID = backendID
	s.mu.Unlock()

	s.log.Info("Backend conversation created", "backend_id", backendID, "title", title)
	return backendID, nil
}
