package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"voxgate/pkg/config"
)

// ErrUnavailable is returned by NewOpenAIClient when transcription is
// disabled in configuration. Callers surface it as a configuration-error
// reply before any download happens.
var ErrUnavailable = errors.New("transcription is not configured")

// OpenAIClient transcribes audio with the OpenAI audio transcription API.
type OpenAIClient struct {
	client osdk.Client
	model  string
}

// NewOpenAIClient validates transcription configuration and builds a client.
func NewOpenAIClient(cfg config.TranscriptionConfig) (*OpenAIClient, error) {
	if !cfg.Enabled {
		return nil, ErrUnavailable
	}

	apiKey := resolveAPIKey(cfg)
	if apiKey == "" {
		return nil, errors.New("transcription.api_key_env is required or OPENAI_API_KEY must be set")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = string(osdk.AudioModelWhisper1)
	}

	return &OpenAIClient{
		client: osdk.NewClient(opts...),
		model:  model,
	}, nil
}

// Transcribe uploads the scratch file and returns the recognized text.
func (c *OpenAIClient) Transcribe(ctx context.Context, path string) (string, error) {
	log := slog.Default().With("component", "transcribe.openai")
	startedAt := time.Now()
	log.Debug("transcription started", "path", path)

	file, err := os.Open(path)
	if err != nil {
		log.Debug("transcription failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", fmt.Errorf("open audio file: %w", err)
	}
	defer file.Close()

	transcription, err := c.client.Audio.Transcriptions.New(ctx, osdk.AudioTranscriptionNewParams{
		File:  file,
		Model: osdk.AudioModel(c.model),
	})
	if err != nil {
		log.Debug("transcription failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", fmt.Errorf("transcription request: %w", err)
	}

	text := strings.TrimSpace(transcription.Text)
	if text == "" {
		log.Debug("transcription failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "empty transcript")
		return "", errors.New("transcription returned empty text")
	}
	log.Debug("transcription completed", "duration_ms", time.Since(startedAt).Milliseconds(), "transcript_length", len(text))

	return text, nil
}

func resolveAPIKey(cfg config.TranscriptionConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}

	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}
