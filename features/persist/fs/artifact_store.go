package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hearth-agent/hearth/ident"
	"github.com/hearth-agent/hearth/runtime/agent/artifact"
)

// DefaultMaxArtifactSize caps artifact content at 4 MiB unless configured
// otherwise.
const DefaultMaxArtifactSize = int64(4 << 20)

// ArtifactStore implements artifact.Store on the file layout. Each artifact
// is a metadata record plus an immutable content file, keyed by id in one
// process-wide container.
type ArtifactStore struct {
	dir   string
	limit int64
}

// Write implements artifact.Store. Content above the configured limit is
// rejected outright, never truncated, and leaves nothing behind.
func (s *ArtifactStore) Write(_ context.Context, typ artifact.Type, content []byte, metadata map[string]string) (artifact.Ref, error) {
	if !typ.Valid() {
		return artifact.Ref{}, fmt.Errorf("fs: unknown artifact type %q", typ)
	}
	size := int64(len(content))
	if size > s.limit {
		return artifact.Ref{}, &artifact.SizeLimitError{Size: size, Limit: s.limit}
	}
	id, err := ident.New()
	if err != nil {
		return artifact.Ref{}, fmt.Errorf("fs: allocate artifact id: %w", err)
	}
	ref := artifact.Ref{
		ID:        id,
		Type:      typ,
		Location:  s.contentPath(id),
		Size:      size,
		CreatedAt: time.Now().UTC(),
		Metadata:  metadata,
	}
	if err := writeFileAtomic(ref.Location, content); err != nil {
		return artifact.Ref{}, err
	}
	meta, err := json.MarshalIndent(encodeArtifactRef(ref), "", "  ")
	if err != nil {
		os.Remove(ref.Location)
		return artifact.Ref{}, fmt.Errorf("fs: marshal artifact metadata: %w", err)
	}
	if err := writeFileAtomic(s.metaPath(id), meta); err != nil {
		os.Remove(ref.Location)
		return artifact.Ref{}, err
	}
	return ref, nil
}

// Read implements artifact.Store.
func (s *ArtifactStore) Read(_ context.Context, id string) ([]byte, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.contentPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, artifact.ErrNotFound
		}
		return nil, fmt.Errorf("fs: read artifact %s: %w", id, err)
	}
	return data, nil
}

// Delete implements artifact.Store. Deleting an absent artifact is a no-op.
func (s *ArtifactStore) Delete(_ context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	for _, path := range []string{s.metaPath(id), s.contentPath(id)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("fs: delete artifact %s: %w", id, err)
		}
	}
	return nil
}

// List implements artifact.Store. A missing container yields an empty result;
// references come back in id order, which is creation order.
func (s *ArtifactStore) List(_ context.Context, filter artifact.Filter) ([]artifact.Ref, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fs: list artifacts: %w", err)
	}
	var out []artifact.Ref
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".meta.json") {
			continue
		}
		ref, err := s.loadRef(strings.TrimSuffix(name, ".meta.json"))
		if err != nil {
			return nil, err
		}
		if filter.Matches(ref) {
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Cleanup implements artifact.Store.
func (s *ArtifactStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	refs, err := s.List(ctx, artifact.Filter{})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, ref := range refs {
		if !ref.CreatedAt.Before(olderThan) {
			continue
		}
		if err := s.Delete(ctx, ref.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *ArtifactStore) loadRef(id string) (artifact.Ref, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return artifact.Ref{}, artifact.ErrNotFound
		}
		return artifact.Ref{}, fmt.Errorf("fs: read artifact metadata %s: %w", id, err)
	}
	var doc artifactRefDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return artifact.Ref{}, fmt.Errorf("fs: parse artifact metadata %s: %w", id, err)
	}
	return artifact.Ref{
		ID:        doc.ID,
		Type:      artifact.Type(doc.Type),
		Location:  doc.Location,
		Size:      doc.Size,
		CreatedAt: doc.CreatedAt,
		Metadata:  doc.Metadata,
	}, nil
}

func (s *ArtifactStore) contentPath(id string) string {
	return filepath.Join(s.dir, id+".data")
}

func (s *ArtifactStore) metaPath(id string) string {
	return filepath.Join(s.dir, id+".meta.json")
}

func encodeArtifactRef(ref artifact.Ref) artifactRefDoc {
	return artifactRefDoc{
		ID:        ref.ID,
		Type:      string(ref.Type),
		Location:  ref.Location,
		Size:      ref.Size,
		CreatedAt: ref.CreatedAt,
		Metadata:  ref.Metadata,
	}
}
