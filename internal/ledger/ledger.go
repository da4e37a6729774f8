// Package ledger tracks live playback handles so every decoded audio
// resource handed to a client is reclaimed exactly once. The ledger
// holds a non-owning tracking relation: releasing remains the client's
// job, the ledger exists to detect leaks and force cleanup.
package ledger

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// ReleaseFunc reclaims the low-level resource behind a handle. The
// ledger guarantees it runs at most once per handle.
type ReleaseFunc func()

// Handle represents one decoded audio resource held by a client
// session. A handle transitions released=false to released=true
// exactly once.
type Handle struct {
	id        string
	session   string
	createdAt time.Time

	mu       sync.Mutex
	released bool
	release  ReleaseFunc
}

// ID returns the handle's unique identifier.
func (h *Handle) ID() string { return h.id }

// Session returns the client session that owns the handle.
func (h *Handle) Session() string { return h.session }

// Released reports whether the handle has been released.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// releaseOnce flips the handle to released and runs the reclamation
// callback. Safe to call any number of times; only the first does
// anything.
func (h *Handle) releaseOnce() bool {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return false
	}
	h.released = true
	fn := h.release
	h.release = nil
	h.mu.Unlock()

	if fn != nil {
		fn()
	}
	return true
}

// Info describes an unreleased handle for auditing.
type Info struct {
	ID        string
	Session   string
	CreatedAt time.Time
	Age       time.Duration
}

// Ledger tracks all unreleased handles.
type Ledger struct {
	mu       sync.Mutex
	handles  map[string]*Handle
	sessions map[string]*Handle // newest handle per session
	acquired int64
	released int64
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		handles:  make(map[string]*Handle),
		sessions: make(map[string]*Handle),
	}
}

// Acquire allocates tracking state for a new playback resource. When
// session is non-empty and already holds a handle, the previous handle
// is released first: a new selection abandons the previous audio
// session completely.
func (l *Ledger) Acquire(session string, release ReleaseFunc) *Handle {
	h := &Handle{
		id:        uuid.NewString(),
		session:   session,
		createdAt: time.Now(),
		release:   release,
	}

	var superseded *Handle

	l.mu.Lock()
	if session != "" {
		if prev, ok := l.sessions[session]; ok {
			superseded = prev
			delete(l.handles, prev.id)
		}
		l.sessions[session] = h
	}
	l.handles[h.id] = h
	l.acquired++
	if superseded != nil {
		l.released++
	}
	l.mu.Unlock()

	if superseded != nil {
		if superseded.releaseOnce() {
			log.Debug("released superseded playback handle",
				"session", session, "handle", superseded.id)
		}
	}

	return h
}

// Release releases a handle. Idempotent: releasing an already-released
// handle is a no-op, and the underlying resource is reclaimed exactly
// once.
func (l *Ledger) Release(h *Handle) {
	if h == nil {
		return
	}

	l.mu.Lock()
	if _, ok := l.handles[h.id]; ok {
		delete(l.handles, h.id)
		if cur, ok := l.sessions[h.session]; ok && cur == h {
			delete(l.sessions, h.session)
		}
		l.released++
	}
	l.mu.Unlock()

	h.releaseOnce()
}

// ReleaseByID releases the tracked handle with the given id. Returns
// false when no unreleased handle has that id; like Release, that is
// not an error.
func (l *Ledger) ReleaseByID(id string) bool {
	l.mu.Lock()
	h, ok := l.handles[id]
	l.mu.Unlock()

	if !ok {
		return false
	}
	l.Release(h)
	return true
}

// Audit returns every unreleased handle older than the threshold. A
// non-empty result after a session has moved on indicates a leak.
func (l *Ledger) Audit(olderThan time.Duration) []Info {
	cutoff := time.Now().Add(-olderThan)

	l.mu.Lock()
	defer l.mu.Unlock()

	var leaked []Info
	for _, h := range l.handles {
		if h.createdAt.Before(cutoff) || olderThan <= 0 {
			leaked = append(leaked, Info{
				ID:        h.id,
				Session:   h.session,
				CreatedAt: h.createdAt,
				Age:       time.Since(h.createdAt),
			})
		}
	}
	return leaked
}

// Outstanding returns the number of currently unreleased handles.
func (l *Ledger) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

// Stats summarizes ledger activity over the process lifetime.
type Stats struct {
	Acquired    int64
	Released    int64
	Outstanding int
}

// Stats returns the lifetime acquire/release totals plus the current
// outstanding count. Acquired - Released always equals Outstanding.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Acquired:    l.acquired,
		Released:    l.released,
		Outstanding: len(l.handles),
	}
}

// ReleaseAll force-releases every tracked handle, for shutdown paths.
// Returns the number of handles actually reclaimed.
func (l *Ledger) ReleaseAll() int {
	l.mu.Lock()
	pending := make([]*Handle, 0, len(l.handles))
	for _, h := range l.handles {
		pending = append(pending, h)
	}
	l.handles = make(map[string]*Handle)
	l.sessions = make(map[string]*Handle)
	l.released += int64(len(pending))
	l.mu.Unlock()

	count := 0
	for _, h := range pending {
		if h.releaseOnce() {
			count++
		}
	}
	if count > 0 {
		log.Info("force-released playback handles", "count", count)
	}
	return count
}
