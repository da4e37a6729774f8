// Package analytics defines the fire-and-forget event sink the
// gateway reports outcomes to. Recording is best-effort by contract:
// a sink is never awaited for correctness and must never block or fail
// a synthesis result.
package analytics

import (
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

// Event types reported by the gateway.
const (
	EventCacheHit       = "cache_hit"
	EventSynthesisOK    = "synthesis_ok"
	EventRateLimited    = "rate_limited"
	EventProviderError  = "provider_error"
	EventInvalidRequest = "invalid_request"
)

// Sink accepts telemetry events.
type Sink interface {
	Record(eventType string, attributes map[string]any)
}

// NopSink discards every event. The default for tests and for
// deployments that opt out of telemetry.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(string, map[string]any) {}

// LogSink writes events to the process logger at debug level.
type LogSink struct{}

// Record implements Sink.
func (LogSink) Record(eventType string, attributes map[string]any) {
	args := make([]any, 0, len(attributes)*2)
	for k, v := range attributes {
		args = append(args, k, v)
	}
	log.Debug("analytics: "+eventType, args...)
}

// event pairs a type with its attributes for the async queue.
type event struct {
	typ   string
	attrs map[string]any
}

// AsyncSink decouples event delivery from the request path. Record
// enqueues without blocking and drops the event when the buffer is
// full; a single worker forwards to the wrapped sink. Close drains
// what was accepted.
type AsyncSink struct {
	next    Sink
	ch      chan event
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Int64
	closed  atomic.Bool
}

// NewAsyncSink wraps next with an asynchronous buffer of the given
// size (minimum 1).
func NewAsyncSink(next Sink, buffer int) *AsyncSink {
	if buffer < 1 {
		buffer = 1
	}
	s := &AsyncSink{
		next: next,
		ch:   make(chan event, buffer),
		done: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Record implements Sink. It never blocks: when the buffer is full the
// event is counted as dropped and discarded.
func (s *AsyncSink) Record(eventType string, attributes map[string]any) {
	if s.closed.Load() {
		return
	}
	select {
	case s.ch <- event{typ: eventType, attrs: attributes}:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded under backpressure.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting events and drains the buffer.
func (s *AsyncSink) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.done)
	s.wg.Wait()
}

func (s *AsyncSink) run() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.ch:
			s.next.Record(ev.typ, ev.attrs)
		case <-s.done:
			// Drain anything already accepted, then stop.
			for {
				select {
				case ev := <-s.ch:
					s.next.Record(ev.typ, ev.attrs)
				default:
					if n := s.dropped.Load(); n > 0 {
						log.Debug("analytics events dropped under backpressure", "count", n)
					}
					return
				}
			}
		}
	}
}
