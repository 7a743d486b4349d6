package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"voxgate/pkg/bus"
	"voxgate/pkg/config"
)

const (
	defaultAudioExt    = "mp3"
	videoExt           = "mp4"
	downloadTimeout    = 2 * time.Minute
	scratchFilePattern = "%s_%d.%s"
)

// Acquirer downloads remote media blobs into local scratch storage.
type Acquirer struct {
	dir    string
	client *http.Client
	log    *slog.Logger
}

// NewAcquirer validates the scratch directory and builds an acquirer.
func NewAcquirer(cfg config.MediaConfig, log *slog.Logger) (*Acquirer, error) {
	dir := strings.TrimSpace(cfg.TempDir)
	if dir == "" {
		return nil, errors.New("media.temp_dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	return &Acquirer{
		dir:    dir,
		client: &http.Client{Timeout: downloadTimeout},
		log:    log.With("component", "media.acquirer"),
	}, nil
}

// Fetch downloads the blob at url into a scratch file named
// {dir}/{kind}_{unixMillis}.{ext}.
//
// Concurrent arrivals inside the same millisecond can collide on the name;
// that risk is accepted for this traffic profile.
func (a *Acquirer) Fetch(ctx context.Context, url string, kind bus.MediaKind, ext string) (*ScratchFile, error) {
	startedAt := time.Now()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}

	response, err := a.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download media: unexpected status %d", response.StatusCode)
	}

	path := filepath.Join(a.dir, fmt.Sprintf(scratchFilePattern, kind, time.Now().UnixMilli(), ext))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create scratch file: %w", err)
	}

	written, err := io.Copy(file, response.Body)
	closeErr := file.Close()
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write scratch file: %w", err)
	}
	if closeErr != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("close scratch file: %w", closeErr)
	}

	a.log.Debug("Media downloaded", "kind", kind, "path", path, "bytes", written, "duration_ms", time.Since(startedAt).Milliseconds())

	return &ScratchFile{Path: path, log: a.log}, nil
}

// SuggestedExt derives the scratch-file extension for an event.
//
// Audio uses the original filename's suffix when present (case-insensitive),
// falling back to mp3. Video and video notes are always stored as mp4.
func SuggestedExt(kind bus.MediaKind, fileName string) string {
	if kind == bus.MediaKindVideo {
		return videoExt
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(strings.TrimSpace(fileName))), ".")
	if ext == "" {
		return defaultAudioExt
	}

	return ext
}
