// Package fs implements the durable file layout backing the engine's stores:
// one container per session holding its record, its continuation records, and
// its append-only step logs, plus one process-wide artifact container.
//
//	<root>/sessions/<sid>/session.json
//	<root>/sessions/<sid>/continuations/<cid>.json
//	<root>/sessions/<sid>/logs/<cid>.jsonl
//	<root>/artifacts/<aid>.meta.json
//	<root>/artifacts/<aid>.data
//
// Record writes are whole-file overwrites through a temp-file rename, so a
// reader always observes either the previous or the new record, never a torn
// one. Reads of never-created records return the domain not-found errors, and
// enumerations tolerate missing containers by returning empty results.
package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hearth-agent/hearth/ident"
)

const (
	sessionsDir  = "sessions"
	artifactsDir = "artifacts"

	sessionFile     = "session.json"
	continuationsIn = "continuations"
	logsIn          = "logs"
)

type (
	// Stores bundles the file-backed store implementations sharing one root.
	Stores struct {
		// Sessions persists session records.
		Sessions *SessionStore
		// Continuations persists continuation records.
		Continuations *ContinuationStore
		// Artifacts persists artifact content and metadata.
		Artifacts *ArtifactStore

		root string
	}

	// Options configures the file layout.
	Options struct {
		// Root is the base directory. Required.
		Root string
		// MaxArtifactSize caps artifact content length in bytes. Zero selects
		// DefaultMaxArtifactSize.
		MaxArtifactSize int64
	}
)

// New builds the file-backed stores rooted at opts.Root, creating the root
// directory when missing.
func New(opts Options) (*Stores, error) {
	if opts.Root == "" {
		return nil, errors.New("fs: root directory is required")
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("fs: ensure root: %w", err)
	}
	limit := opts.MaxArtifactSize
	if limit <= 0 {
		limit = DefaultMaxArtifactSize
	}
	s := &Stores{root: opts.Root}
	s.Sessions = &SessionStore{root: opts.Root}
	s.Continuations = &ContinuationStore{root: opts.Root}
	s.Artifacts = &ArtifactStore{dir: filepath.Join(opts.Root, artifactsDir), limit: limit}
	return s, nil
}

// LogPath returns the step log location for one continuation. The steplog
// package creates missing parents on open.
func (s *Stores) LogPath(sessionID, continuationID string) string {
	return filepath.Join(s.root, sessionsDir, sessionID, logsIn, continuationID+".jsonl")
}

func sessionDir(root, sessionID string) string {
	return filepath.Join(root, sessionsDir, sessionID)
}

// checkID guards against path traversal through malformed identifiers: every
// id used in the layout must be a valid sortable identifier.
func checkID(id string) error {
	if !ident.Valid(id) {
		return fmt.Errorf("fs: malformed identifier %q", id)
	}
	return nil
}

// writeFileAtomic writes data to path via a temp file in the same directory
// followed by a rename, creating missing parent directories first.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fs: ensure directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("fs: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("fs: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("fs: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("fs: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("fs: rename into place: %w", err)
	}
	return nil
}
