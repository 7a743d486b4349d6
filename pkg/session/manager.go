package session

import (
	"log/slog"
	"sync"

	"voxgate/pkg/config"
	"voxgate/pkg/provider"
)

// Manager owns per-chat sessions and hands out the same Session for the
// same chat across pipeline invocations.
type Manager struct {
	client  provider.Client
	backend config.BackendConfig
	log     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(client provider.Client, backend config.BackendConfig, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}

	return &Manager{
		client:   client,
		backend:  backend,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// For returns the session for a chat, lazily creating it.
func (m *Manager) For(chatID string) *Session {
	m.mu.RLock()
	session, ok := m.sessions[chatID]
	m.mu.RUnlock()
	if ok {
		return session
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok = m.sessions[chatID]
	if ok {
		return session
	}

	session = newSession(m.client, m.backend, chatID, m.log)
	m.sessions[chatID] = session
	return session
}

// Interrupt cancels the in-flight exchange for a chat, if any.
func (m *Manager) Interrupt(chatID string) bool {
	m.mu.RLock()
	session, ok := m.sessions[chatID]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	return session.Interrupt()
}
