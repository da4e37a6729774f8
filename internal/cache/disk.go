package cache

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/zstd"
	"github.com/speakselect/ttsgate/internal/request"
)

const indexFileName = "index.gob"

// diskStore persists cache entries across process restarts. Payloads
// live one per file, optionally zstd-compressed; entry metadata lives
// in a gob index flushed on close. All disk failures are non-fatal:
// the cache degrades to memory-only behavior for the affected key.
type diskStore struct {
	dir string

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu    sync.Mutex
	index map[string]*persistedEntry
}

// persistedEntry mirrors Entry without the payload, which lives in its
// own file next to the index.
type persistedEntry struct {
	Key        string
	Format     string
	VoiceName  string
	VoiceTier  request.VoiceTier
	Duration   time.Duration
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Compressed bool
}

func newDiskStore(dir string, compressionLevel int) (*diskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	ds := &diskStore{
		dir:   dir,
		index: make(map[string]*persistedEntry),
	}

	if compressionLevel > 0 {
		var err error
		ds.encoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	ds.decoder = decoder

	ds.loadIndex()
	return ds, nil
}

// load reads all live persisted entries. Expired or unreadable entries
// are dropped from disk as a side effect.
func (ds *diskStore) load() []*Entry {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	now := time.Now()
	entries := make([]*Entry, 0, len(ds.index))

	for key, pe := range ds.index {
		if now.After(pe.ExpiresAt) {
			ds.dropLocked(key)
			continue
		}

		payload, err := ds.readPayload(pe)
		if err != nil {
			log.Warn("dropping unreadable cache payload", "key", key, "error", err)
			ds.dropLocked(key)
			continue
		}

		entries = append(entries, &Entry{
			Key:       pe.Key,
			Payload:   payload,
			Format:    pe.Format,
			VoiceName: pe.VoiceName,
			VoiceTier: pe.VoiceTier,
			Duration:  pe.Duration,
			CreatedAt: pe.CreatedAt,
			ExpiresAt: pe.ExpiresAt,
		})
	}

	return entries
}

// put writes the entry's payload file and records it in the index.
func (ds *diskStore) put(entry *Entry) {
	data := entry.Payload
	compressed := false
	if ds.encoder != nil {
		data = ds.encoder.EncodeAll(entry.Payload, nil)
		compressed = true
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if err := os.WriteFile(ds.payloadPath(entry.Key), data, 0o644); err != nil {
		log.Warn("failed to persist cache payload", "key", entry.Key, "error", err)
		return
	}

	ds.index[entry.Key] = &persistedEntry{
		Key:        entry.Key,
		Format:     entry.Format,
		VoiceName:  entry.VoiceName,
		VoiceTier:  entry.VoiceTier,
		Duration:   entry.Duration,
		CreatedAt:  entry.CreatedAt,
		ExpiresAt:  entry.ExpiresAt,
		Compressed: compressed,
	}
}

// remove deletes the entry's payload file and index record.
func (ds *diskStore) remove(key string) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.dropLocked(key)
}

// close flushes the index to disk.
func (ds *diskStore) close() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.saveIndexLocked()
}

func (ds *diskStore) payloadPath(key string) string {
	return filepath.Join(ds.dir, key+".audio")
}

func (ds *diskStore) readPayload(pe *persistedEntry) ([]byte, error) {
	data, err := os.ReadFile(ds.payloadPath(pe.Key))
	if err != nil {
		return nil, err
	}
	if pe.Compressed {
		return ds.decoder.DecodeAll(data, nil)
	}
	return data, nil
}

// dropLocked removes a key from the index and disk. Callers must hold
// ds.mu.
func (ds *diskStore) dropLocked(key string) {
	delete(ds.index, key)
	_ = os.Remove(ds.payloadPath(key))
}

func (ds *diskStore) loadIndex() {
	f, err := os.Open(filepath.Join(ds.dir, indexFileName))
	if err != nil {
		return // first run or index lost; start empty
	}
	defer f.Close()

	if err := gob.NewDecoder(f).Decode(&ds.index); err != nil {
		log.Warn("cache index unreadable, starting empty", "error", err)
		ds.index = make(map[string]*persistedEntry)
	}
}

func (ds *diskStore) saveIndexLocked() error {
	f, err := os.Create(filepath.Join(ds.dir, indexFileName))
	if err != nil {
		return fmt.Errorf("write cache index: %w", err)
	}
	defer f.Close()

	if err := gob.NewEncoder(f).Encode(ds.index); err != nil {
		return fmt.Errorf("encode cache index: %w", err)
	}
	return nil
}
