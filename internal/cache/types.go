package cache

import (
	"errors"
	"time"

	"github.com/speakselect/ttsgate/internal/request"
)

// Common errors for cache operations.
var (
	// ErrInvalidEntry is returned when a store is attempted with an
	// empty payload or incomplete metadata.
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrClosed is returned when the cache has been shut down.
	ErrClosed = errors.New("cache is closed")
)

// DefaultTTL is how long a stored entry stays live when the caller
// passes no explicit TTL.
const DefaultTTL = 7 * 24 * time.Hour

// DefaultEvictInterval is how often the background sweep runs.
const DefaultEvictInterval = time.Hour

// Metadata describes the synthesized audio attached to a payload.
// Format and VoiceName are required at store time.
type Metadata struct {
	Format    string
	VoiceName string
	VoiceTier request.VoiceTier
	Duration  time.Duration
}

// Entry is one cached synthesis result. Entries are created on a
// cache miss after a successful provider call and are read-only
// thereafter; they are removed by expiry or capacity eviction.
type Entry struct {
	Key       string
	Payload   []byte
	Format    string
	VoiceName string
	VoiceTier request.VoiceTier
	Duration  time.Duration
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the entry is past its expiry at the given
// instant.
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Config holds cache tuning knobs. Zero caps disable capacity
// eviction, leaving only TTL expiry.
type Config struct {
	// MaxEntries bounds the number of live entries (0 = unbounded).
	MaxEntries int

	// MaxBytes bounds the total payload bytes held (0 = unbounded).
	MaxBytes int64

	// EvictInterval is how often the background sweep runs
	// (0 = DefaultEvictInterval, negative = no background sweep).
	EvictInterval time.Duration

	// Dir enables disk persistence of entries across restarts when
	// non-empty.
	Dir string

	// CompressionLevel is the zstd level for persisted payloads
	// (0 disables compression).
	CompressionLevel int
}

// Stats holds cache performance counters.
type Stats struct {
	Entries   int
	Bytes     int64
	Hits      int64
	Misses    int64
	Expired   int64
	Evictions int64
}

// HitRate returns hits / (hits + misses), or 0 with no traffic.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
