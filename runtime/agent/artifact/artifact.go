// Package artifact defines content storage for large tool and planner outputs
// (plots, dumps, logs) referenced by small metadata records.
//
// Artifacts are owned by the process-wide store, not by any single
// continuation: continuations hold references and multiple continuations may
// share one artifact. Content is immutable once written; only the store-wide
// cleanup removes artifacts, by age.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type (
	// Type classifies artifact content.
	Type string

	// Ref is the metadata record describing one stored artifact.
	Ref struct {
		// ID is the sortable identifier of the artifact.
		ID string
		// Type classifies the content.
		Type Type
		// Location is the store-specific storage location.
		Location string
		// Size is the content length in bytes.
		Size int64
		// CreatedAt records when the content was written.
		CreatedAt time.Time
		// Metadata carries optional caller-provided annotations.
		Metadata map[string]string
	}

	// Filter selects artifacts in List. Zero fields match everything.
	Filter struct {
		// Type restricts results to one artifact type.
		Type Type
		// MinSize excludes artifacts smaller than this many bytes.
		MinSize int64
		// MaxSize excludes artifacts larger than this many bytes. Zero means
		// no upper bound.
		MaxSize int64
	}

	// Store persists artifact content and metadata.
	Store interface {
		// Write stores content once and returns its reference. Content larger
		// than the store's configured size limit is rejected with a
		// SizeLimitError and leaves no artifact behind.
		Write(ctx context.Context, typ Type, content []byte, metadata map[string]string) (Ref, error)
		// Read returns the exact bytes written, or ErrNotFound.
		Read(ctx context.Context, id string) ([]byte, error)
		// Delete removes an artifact. Deleting an absent artifact is not an
		// error.
		Delete(ctx context.Context, id string) error
		// List enumerates artifact references matching the filter.
		List(ctx context.Context, filter Filter) ([]Ref, error)
		// Cleanup deletes every artifact created before the cutoff and
		// returns the count removed.
		Cleanup(ctx context.Context, olderThan time.Time) (int, error)
	}
)

const (
	// TypeJSON is structured JSON output.
	TypeJSON Type = "json"
	// TypeText is free-form text.
	TypeText Type = "text"
	// TypeImage is binary image content.
	TypeImage Type = "image"
	// TypePlot is rendered chart content.
	TypePlot Type = "plot"
	// TypeLog is captured log output.
	TypeLog Type = "log"
)

// ErrNotFound indicates an artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

// SizeLimitError reports content exceeding the store's configured maximum.
type SizeLimitError struct {
	// Size is the rejected content length.
	Size int64
	// Limit is the store's configured maximum.
	Limit int64
}

// Error implements error.
func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("artifact content size %d exceeds limit %d", e.Size, e.Limit)
}

// Valid reports whether t is a known artifact type.
func (t Type) Valid() bool {
	switch t {
	case TypeJSON, TypeText, TypeImage, TypePlot, TypeLog:
		return true
	}
	return false
}

// Matches reports whether ref satisfies the filter.
func (f Filter) Matches(ref Ref) bool {
	if f.Type != "" && ref.Type != f.Type {
		return false
	}
	if f.MinSize > 0 && ref.Size < f.MinSize {
		return false
	}
	if f.MaxSize > 0 && ref.Size > f.MaxSize {
		return false
	}
	return true
}
