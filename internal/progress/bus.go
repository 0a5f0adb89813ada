// Package progress fans job events out to live subscribers.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"exam-paper-orchestrator/internal/telemetry"
)

// Event types that end a stream.
const (
	EventJobCompleted = "job_completed"
	EventJobFailed    = "job_failed"
	EventHeartbeat    = "heartbeat"
)

// Event is one (type, payload) pair for a job.
type Event struct {
	JobID   string         `json:"job_id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

// Terminal reports whether no further events follow e.
func (e Event) Terminal() bool {
	return e.Type == EventJobCompleted || e.Type == EventJobFailed
}

// Publisher accepts events from producers. Publish must never block the caller.
type Publisher interface {
	Publish(jobID, eventType string, payload map[string]any)
}

type subscriber struct {
	ch chan Event
}

// Bus is an in-process publisher with bounded per-subscriber buffers.
// A full buffer drops the newest event instead of blocking the producer.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]map[*subscriber]struct{}
	buffer  int
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewBus creates a bus whose subscriber channels hold buffer events.
func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[string]map[*subscriber]struct{}), buffer: buffer, logger: logger}
}

// Subscribe registers a consumer for jobID. Call the returned func to detach it.
func (b *Bus) Subscribe(jobID string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[*subscriber]struct{})
	}
	b.subs[jobID][s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() { b.remove(jobID, s) })
	}
}

func (b *Bus) remove(jobID string, s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[jobID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	close(s.ch)
	if len(set) == 0 {
		delete(b.subs, jobID)
	}
}

// Unsubscribe detaches and closes every subscriber of jobID.
func (b *Bus) Unsubscribe(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[jobID] {
		close(s.ch)
	}
	delete(b.subs, jobID)
}

// Publish delivers an event to every subscriber of jobID without blocking.
func (b *Bus) Publish(jobID, eventType string, payload map[string]any) {
	ev := Event{JobID: jobID, Type: eventType, Payload: payload, At: time.Now().UTC()}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs[jobID] {
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
			telemetry.ProgressDropped.Inc()
			b.logger.Debug("progress event dropped", "job_id", jobID, "type", eventType)
		}
	}
}

// Subscribers returns how many consumers are attached to jobID.
func (b *Bus) Subscribers(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[jobID])
}

// Dropped is the number of events discarded because a buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Emitter binds Publish to one job.
func Emitter(p Publisher, jobID string) func(eventType string, payload map[string]any) {
	return func(eventType string, payload map[string]any) {
		if p != nil {
			p.Publish(jobID, eventType, payload)
		}
	}
}

// Stream forwards events from ch to send, inserting a heartbeat whenever the job
// stays quiet for interval. It returns after a terminal event, when ch closes,
// or when ctx is done.
func Stream(ctx context.Context, jobID string, ch <-chan Event, interval time.Duration, send func(Event) error) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := send(ev); err != nil {
				return err
			}
			if ev.Terminal() {
				return nil
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(interval)
		case <-timer.C:
			hb := Event{JobID: jobID, Type: EventHeartbeat, At: time.Now().UTC()}
			if err := send(hb); err != nil {
				return err
			}
			timer.Reset(interval)
		}
	}
}
