// Package storage persists the last fetched rule set to disk so a
// restarted process can evaluate flags locally before its first
// successful fetch.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNoSnapshot means no persisted rule set exists yet.
var ErrNoSnapshot = errors.New("no rule set snapshot on disk")

const snapshotFile = "ruleset-snapshot.json"

// Snapshot is the persisted form of one rule-set fetch: the raw
// response body plus the metadata needed to resume conditional
// requests.
type Snapshot struct {
	ETag      string          `json:"etag,omitempty"`
	FetchedAt time.Time       `json:"fetched_at"`
	Body      json.RawMessage `json:"body"`
}

// SnapshotStore reads and writes rule-set snapshots under one
// directory. Writes go through a temp file and rename, so readers never
// see a torn snapshot.
type SnapshotStore struct {
	dir string
	mu  sync.Mutex
}

// NewSnapshotStore creates the directory when missing.
func NewSnapshotStore(dir string) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	return &SnapshotStore{dir: dir}, nil
}

func (s *SnapshotStore) path() string {
	return filepath.Join(s.dir, snapshotFile)
}

// Save persists a snapshot, replacing any previous one.
func (s *SnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// Load returns the persisted snapshot, or ErrNoSnapshot.
func (s *SnapshotStore) Load(ctx context.Context) (*Snapshot, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &snap, nil
}

// Clear removes the persisted snapshot, if any.
func (s *SnapshotStore) Clear(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing snapshot: %w", err)
	}
	return nil
}
