package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/speakselect/ttsgate/internal/request"
)

// ResponseCache is a content-addressed store of synthesis results.
// Entries are keyed by the digest of the normalized request, expire
// after a TTL, and are evicted oldest-insertion-first when the cache
// exceeds its configured entry or byte capacity.
//
// All operations are safe for concurrent use.
type ResponseCache struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently inserted
	bytes   int64
	closed  bool
	stats   Stats

	persist *diskStore

	// persistCh serializes disk writes through one worker so the disk
	// sees operations for a key in the same order memory applied them.
	persistCh chan diskOp
	persistWg sync.WaitGroup

	sweepStop chan struct{}
	sweepWg   sync.WaitGroup
}

// diskOp is one queued persistence operation: a put when entry is set,
// otherwise a remove of key.
type diskOp struct {
	entry *Entry
	key   string
}

// New creates a response cache. When cfg.Dir is set, previously
// persisted entries are loaded and a failure to open the directory is
// returned as an error; otherwise the cache is purely in-memory.
func New(cfg Config) (*ResponseCache, error) {
	c := &ResponseCache{
		cfg:       cfg,
		entries:   make(map[string]*list.Element),
		order:     list.New(),
		sweepStop: make(chan struct{}),
	}

	if cfg.Dir != "" {
		ds, err := newDiskStore(cfg.Dir, cfg.CompressionLevel)
		if err != nil {
			return nil, err
		}
		c.persist = ds
		c.loadPersisted()

		c.persistCh = make(chan diskOp, 128)
		c.persistWg.Add(1)
		go c.persistLoop()
	}

	interval := cfg.EvictInterval
	if interval == 0 {
		interval = DefaultEvictInterval
	}
	if interval > 0 {
		c.sweepWg.Add(1)
		go c.sweepLoop(interval)
	}

	return c, nil
}

// Lookup returns the live entry for the request, or nil on a miss.
// Expired entries are treated as misses and purged lazily. Lookup has
// no error conditions.
func (c *ResponseCache) Lookup(req request.Request) *Entry {
	key := req.Key()
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil
	}

	entry := elem.Value.(*Entry)
	if entry.Expired(now) {
		c.removeLocked(elem)
		c.stats.Expired++
		c.stats.Misses++
		return nil
	}

	c.stats.Hits++
	return entry
}

// Store inserts or overwrites the entry for the request. Overwriting
// a live entry is allowed (idempotent re-synthesis). A non-positive
// ttl falls back to DefaultTTL. Returns ErrInvalidEntry when the
// payload is empty or metadata is missing required fields.
func (c *ResponseCache) Store(req request.Request, payload []byte, meta Metadata, ttl time.Duration) error {
	if len(payload) == 0 || meta.Format == "" || meta.VoiceName == "" {
		return ErrInvalidEntry
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	key := req.Key()
	now := time.Now()
	entry := &Entry{
		Key:       key,
		Payload:   payload,
		Format:    meta.Format,
		VoiceName: meta.VoiceName,
		VoiceTier: meta.VoiceTier,
		Duration:  meta.Duration,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	// Opportunistic sweep keeps the caps honest before adding bytes.
	c.evictLocked(now)

	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}

	c.entries[key] = c.order.PushFront(entry)
	c.bytes += int64(len(entry.Payload))

	c.enqueueLocked(diskOp{entry: entry})

	return nil
}

// Evict removes all expired entries and then enforces the configured
// entry and byte caps by dropping the least recently inserted entries.
// It returns the number of entries removed.
func (c *ResponseCache) Evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked(time.Now())
}

// Stats returns a snapshot of cache counters.
func (c *ResponseCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Entries = len(c.entries)
	s.Bytes = c.bytes
	return s
}

// Close stops the background sweep and flushes the persistence index.
// The cache rejects stores after Close.
func (c *ResponseCache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.sweepStop)
	c.sweepWg.Wait()

	if c.persist != nil {
		close(c.persistCh)
		c.persistWg.Wait()
		return c.persist.close()
	}
	return nil
}

// evictLocked performs the expiry sweep and capacity enforcement.
// Callers must hold c.mu.
func (c *ResponseCache) evictLocked(now time.Time) int {
	removed := 0

	// Expiry pass, oldest first so the walk stays short for hot caches.
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		if entry := elem.Value.(*Entry); entry.Expired(now) {
			c.removeLocked(elem)
			c.stats.Expired++
			removed++
		}
		elem = prev
	}

	// Capacity pass: drop least recently inserted until under caps.
	for c.overCapacity() {
		elem := c.order.Back()
		if elem == nil {
			break
		}
		c.removeLocked(elem)
		c.stats.Evictions++
		removed++
	}

	if removed > 0 {
		log.Debug("cache eviction pass",
			"removed", removed,
			"entries", len(c.entries),
			"bytes", humanize.Bytes(uint64(c.bytes)))
	}

	return removed
}

// overCapacity reports whether either configured cap is exceeded.
// Callers must hold c.mu.
func (c *ResponseCache) overCapacity() bool {
	if c.cfg.MaxEntries > 0 && len(c.entries) > c.cfg.MaxEntries {
		return true
	}
	if c.cfg.MaxBytes > 0 && c.bytes > c.cfg.MaxBytes {
		return true
	}
	return false
}

// removeLocked unlinks an entry from the map, the insertion list, and
// the persistence layer. Callers must hold c.mu.
func (c *ResponseCache) removeLocked(elem *list.Element) {
	entry := c.order.Remove(elem).(*Entry)
	delete(c.entries, entry.Key)
	c.bytes -= int64(len(entry.Payload))

	c.enqueueLocked(diskOp{key: entry.Key})
}

// enqueueLocked hands a disk operation to the persistence worker.
// Callers must hold c.mu, which is what keeps queue order aligned with
// memory mutation order. No-op without persistence or after Close.
func (c *ResponseCache) enqueueLocked(op diskOp) {
	if c.persist == nil || c.closed {
		return
	}
	c.persistCh <- op
}

// persistLoop applies queued disk operations in order until Close
// drains the queue.
func (c *ResponseCache) persistLoop() {
	defer c.persistWg.Done()
	for op := range c.persistCh {
		if op.entry != nil {
			c.persist.put(op.entry)
		} else {
			c.persist.remove(op.key)
		}
	}
}

// loadPersisted pulls surviving entries from disk into memory. Expired
// entries are skipped and cleaned up by the store itself.
func (c *ResponseCache) loadPersisted() {
	entries := c.persist.load()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range entries {
		c.entries[entry.Key] = c.order.PushBack(entry)
		c.bytes += int64(len(entry.Payload))
	}

	if len(entries) > 0 {
		log.Info("restored cached synthesis entries",
			"entries", len(entries),
			"bytes", humanize.Bytes(uint64(c.bytes)))
	}
}

// sweepLoop runs Evict on a fixed interval until Close.
func (c *ResponseCache) sweepLoop(interval time.Duration) {
	defer c.sweepWg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Evict()
		case <-c.sweepStop:
			return
		}
	}
}
