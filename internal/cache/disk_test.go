package cache

import (
	"bytes"
	"testing"
	"time"
)

func TestResponseCache_PersistAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	req := testRequest("persisted")
	payload := bytes.Repeat([]byte("audio"), 100)

	c, err := New(Config{Dir: dir, CompressionLevel: 3, EvictInterval: -1})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := c.Store(req, payload, testMeta(), time.Hour); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := New(Config{Dir: dir, CompressionLevel: 3, EvictInterval: -1})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	entry := reopened.Lookup(req)
	if entry == nil {
		t.Fatal("persisted entry missing after restart")
	}
	if !bytes.Equal(entry.Payload, payload) {
		t.Error("persisted payload corrupted by compression round-trip")
	}
	if entry.VoiceName != "en-US-Standard-C" {
		t.Errorf("persisted metadata lost: %+v", entry)
	}
}

func TestResponseCache_ExpiredEntriesNotRestored(t *testing.T) {
	dir := t.TempDir()
	req := testRequest("ephemeral")

	c, err := New(Config{Dir: dir, EvictInterval: -1})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := c.Store(req, []byte("x"), testMeta(), 10*time.Millisecond); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := New(Config{Dir: dir, EvictInterval: -1})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if stats := reopened.Stats(); stats.Entries != 0 {
		t.Fatalf("expired entry restored from disk: %+v", stats)
	}
}

func TestResponseCache_OverwriteSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	req := testRequest("rewritten")

	// Several rounds because the old persistence path only lost the
	// overwrite when the disk remove and the disk write raced.
	for i := 0; i < 5; i++ {
		c, err := New(Config{Dir: dir, EvictInterval: -1})
		if err != nil {
			t.Fatalf("iteration %d: New failed: %v", i, err)
		}
		if err := c.Store(req, []byte("one"), testMeta(), time.Hour); err != nil {
			t.Fatalf("iteration %d: Store failed: %v", i, err)
		}
		if err := c.Store(req, []byte("two"), testMeta(), time.Hour); err != nil {
			t.Fatalf("iteration %d: overwrite failed: %v", i, err)
		}
		if err := c.Close(); err != nil {
			t.Fatalf("iteration %d: Close failed: %v", i, err)
		}

		reopened, err := New(Config{Dir: dir, EvictInterval: -1})
		if err != nil {
			t.Fatalf("iteration %d: reopen failed: %v", i, err)
		}

		entry := reopened.Lookup(req)
		if entry == nil {
			t.Fatalf("iteration %d: overwritten entry lost from disk after restart", i)
		}
		if !bytes.Equal(entry.Payload, []byte("two")) {
			t.Fatalf("iteration %d: restored payload = %q, want latest write", i, entry.Payload)
		}
		reopened.Close()
	}
}

func TestResponseCache_UncompressedPersistence(t *testing.T) {
	dir := t.TempDir()
	req := testRequest("plain")
	payload := []byte("uncompressed audio")

	c, err := New(Config{Dir: dir, CompressionLevel: 0, EvictInterval: -1})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := c.Store(req, payload, testMeta(), time.Hour); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := New(Config{Dir: dir, CompressionLevel: 0, EvictInterval: -1})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	entry := reopened.Lookup(req)
	if entry == nil || !bytes.Equal(entry.Payload, payload) {
		t.Fatal("uncompressed payload did not round-trip")
	}
}

func TestDiskStore_RemoveDropsPayload(t *testing.T) {
	ds, err := newDiskStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("newDiskStore failed: %v", err)
	}

	entry := &Entry{
		Key:       "abc123",
		Payload:   []byte("payload"),
		Format:    "mp3",
		VoiceName: "v",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	ds.put(entry)
	ds.remove(entry.Key)

	if entries := ds.load(); len(entries) != 0 {
		t.Fatalf("removed entry still loadable: %d entries", len(entries))
	}
}
