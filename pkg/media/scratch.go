// Package media handles acquisition and lifecycle of downloaded media blobs.
package media

import (
	"log/slog"
	"os"
	"sync"
)

// Ownership tags who is responsible for deleting a scratch file.
type Ownership int

const (
	// OwnershipPipeline means the pipeline deletes the file in cleanup.
	OwnershipPipeline Ownership = iota
	// OwnershipBackend means deletion is deferred to the backend's own
	// lifecycle: the file path was handed to it inside the prompt and the
	// pipeline must not remove it. Video prompts use this mode.
	OwnershipBackend
)

// ScratchFile is a locally stored temporary copy of a downloaded media blob,
// exclusively owned by one pipeline invocation until released or handed off.
type ScratchFile struct {
	Path string

	mu        sync.Mutex
	ownership Ownership
	released  bool
	log       *slog.Logger
}

// TransferToBackend marks the file as backend-owned so Release skips deletion.
func (f *ScratchFile) TransferToBackend() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ownership = OwnershipBackend
}

// Ownership returns the current ownership tag.
func (f *ScratchFile) Ownership() Ownership {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ownership
}

// Release deletes the file when pipeline-owned. It is idempotent and safe
// on any exit path; backend-owned files are intentionally left in place.
func (f *ScratchFile) Release() {
	if f == nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.released {
		return
	}
	f.released = true

	if f.ownership == OwnershipBackend {
		if f.log != nil {
			f.log.Debug("Scratch file ownership deferred to backend", "path", f.Path)
		}
		return
	}

	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		if f.log != nil {
			f.log.Warn("Failed to delete scratch file", "path", f.Path, "error", err)
		}
	}
}
