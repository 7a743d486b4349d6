// Package audit persists an append-only trail of processed media requests
// and throttling events as JSON lines.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"voxgate/pkg/config"
)

const defaultBufferSize = 100

// RecordKind distinguishes content records from throttling records.
type RecordKind string

const (
	RecordKindMedia       RecordKind = "media"
	RecordKindRateLimited RecordKind = "rate_limited"
)

// Record is one audit trail entry.
type Record struct {
	ID         string     `json:"id"`
	At         time.Time  `json:"at"`
	Kind       RecordKind `json:"kind"`
	UserID     string     `json:"user_id"`
	Username   string     `json:"username,omitempty"`
	MediaKind  string     `json:"media_kind,omitempty"`
	Input      string     `json:"input,omitempty"`
	Output     string     `json:"output,omitempty"`
	RetryAfter float64    `json:"retry_after,omitempty"`
}

// Sink is the audit contract the pipeline writes to.
type Sink interface {
	Log(userID, username, mediaKind, input, output string)
	LogRateLimit(userID, username string, retryAfter float64)
}

// Logger is a file-backed Sink. Writes go through a buffered channel and a
// single writer goroutine; a full buffer drops the record instead of
// blocking the pipeline.
type Logger struct {
	file    *os.File
	log     *slog.Logger
	records chan Record

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewLogger opens (creating if needed) the audit file and starts the writer.
func NewLogger(cfg config.AuditConfig, log *slog.Logger) (*Logger, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("audit.path is required")
	}
	if log == nil {
		log = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	// One append handle for the logger's lifetime; records are written by
	// the single run goroutine.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}

	l := &Logger{
		file:    file,
		log:     log.With("component", "audit"),
		records: make(chan Record, defaultBufferSize),
		done:    make(chan struct{}),
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log records one completed media exchange.
func (l *Logger) Log(userID, username, mediaKind, input, output string) {
	l.enqueue(Record{
		Kind:      RecordKindMedia,
		UserID:    userID,
		Username:  username,
		MediaKind: mediaKind,
		Input:     input,
		Output:    output,
	})
}

// LogRateLimit records one throttling event.
func (l *Logger) LogRateLimit(userID, username string, retryAfter float64) {
	l.enqueue(Record{
		Kind:       RecordKindRateLimited,
		UserID:     userID,
		Username:   username,
		RetryAfter: retryAfter,
	})
}

// Close stops the writer after draining buffered records, then closes the
// audit file.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
		if err := l.file.Close(); err != nil {
			l.log.Error("Failed to close audit file", "error", err)
		}
	})
}

func (l *Logger) enqueue(record Record) {
	record.ID = uuid.NewString()
	record.At = time.Now().UTC()

	select {
	case <-l.done:
	case l.records <- record:
	default:
		// Drop instead of blocking the pipeline on a slow disk.
		l.log.Warn("Audit buffer full, dropping record", "kind", record.Kind, "user_id", record.UserID)
	}
}

func (l *Logger) run() {
	defer l.wg.Done()

	for {
		select {
		case record := <-l.records:
			l.write(record)
		case <-l.done:
			for {
				select {
				case record := <-l.records:
					l.write(record)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(record Record) {
	line, err := json.Marshal(record)
	if err != nil {
		l.log.Error("Failed to marshal audit record", "error", err)
		return
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		l.log.Error("Failed to write audit record", "error", err)
	}
}

// Nop is a Sink that discards everything. Used when auditing is disabled.
type Nop struct{}

func (Nop) Log(string, string, string, string, string) {}

func (Nop) LogRateLimit(string, string, float64) {}
