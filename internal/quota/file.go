package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
)

// FileStore is a MemoryStore that survives restarts by snapshotting
// counters to a JSON file. Writes go through memory first; the
// snapshot is flushed after every update so a crash loses at most the
// in-flight request.
type FileStore struct {
	mem  *MemoryStore
	path string

	// saveMu serializes snapshot writes, not counter updates.
	saveMu chan struct{}
}

// NewFileStore opens (or creates) a file-backed store at path.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create usage directory: %w", err)
	}

	fs := &FileStore{
		mem:    NewMemoryStore(),
		path:   path,
		saveMu: make(chan struct{}, 1),
	}
	fs.saveMu <- struct{}{}

	data, err := os.ReadFile(path)
	if err == nil {
		counters := make(map[string]Counter)
		if err := json.Unmarshal(data, &counters); err != nil {
			log.Warn("usage snapshot unreadable, starting empty", "path", path, "error", err)
		} else {
			fs.mem.Restore(counters)
			log.Info("restored usage counters", "path", path, "counters", len(counters))
		}
	}

	return fs, nil
}

// Get returns the counter for the key, zero-valued when absent.
func (s *FileStore) Get(ctx context.Context, identity, day string) (Counter, error) {
	return s.mem.Get(ctx, identity, day)
}

// Update applies fn atomically in memory and then flushes a snapshot.
func (s *FileStore) Update(ctx context.Context, identity, day string, fn func(Counter) (Counter, error)) (Counter, error) {
	next, err := s.mem.Update(ctx, identity, day, fn)
	if err != nil {
		return next, err
	}
	if saveErr := s.Flush(); saveErr != nil {
		// The in-memory counter is already correct; losing one
		// snapshot write only risks replaying it after a crash.
		log.Warn("failed to flush usage snapshot", "error", saveErr)
	}
	return next, nil
}

// Flush writes the current counters to disk via a temp-file rename.
func (s *FileStore) Flush() error {
	<-s.saveMu
	defer func() { s.saveMu <- struct{}{} }()

	data, err := json.MarshalIndent(s.mem.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode usage snapshot: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write usage snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace usage snapshot: %w", err)
	}
	return nil
}

// Close flushes the final snapshot.
func (s *FileStore) Close() error {
	return s.Flush()
}
