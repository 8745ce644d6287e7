// Package broadcast fans progress events out to run subscribers. The
// hub never blocks publishers: a subscriber that cannot keep up is
// evicted and recovers through reconnect-plus-snapshot, which the
// at-least-once contract already requires clients to handle.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sitescope-labs/sitescope-go/internal/domain"
)

const subscriberBuffer = 64

// SnapshotSource builds the authoritative snapshot event for a run.
// Subscribe consults it so a late subscriber never misses state that
// was broadcast before it attached.
type SnapshotSource interface {
	SnapshotEvent(ctx context.Context, runID string) (domain.ProgressEvent, error)
}

type Subscriber struct {
	runID  string
	events chan domain.ProgressEvent
	once   sync.Once
}

// Events yields the subscriber's stream. The channel closes on
// eviction or unsubscribe.
func (s *Subscriber) Events() <-chan domain.ProgressEvent {
	return s.events
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.events) })
}

type Hub struct {
	logger    *slog.Logger
	snapshots SnapshotSource

	mu   sync.Mutex
	subs map[string]map[*Subscriber]struct{}
}

func NewHub(logger *slog.Logger, snapshots SnapshotSource) *Hub {
	if snapshots == nil {
		return nil
	}
	return &Hub{
		logger:    logger,
		snapshots: snapshots,
		subs:      make(map[string]map[*Subscriber]struct{}),
	}
}

// Subscribe attaches to a run's channel. The subscriber immediately
// receives a connected event followed by the current snapshot, closing
// the race where a client connects after events already fired.
func (h *Hub) Subscribe(ctx context.Context, runID string) (*Subscriber, error) {
	snapshot, err := h.snapshots.SnapshotEvent(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("snapshot for %s: %w", runID, err)
	}

	sub := &Subscriber{
		runID:  runID,
		events: make(chan domain.ProgressEvent, subscriberBuffer),
	}
	sub.events <- domain.ConnectedEvent(runID)
	sub.events <- snapshot

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[*Subscriber]struct{})
	}
	h.subs[runID][sub] = struct{}{}
	return sub, nil
}

// Unsubscribe detaches one subscriber without affecting the others on
// the same run.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if set, ok := h.subs[sub.runID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.runID)
		}
	}
	h.mu.Unlock()
	sub.close()
}

// Publish fans one event out to every subscriber of the run. Callers
// must persist state first; the hub only forwards.
func (h *Hub) Publish(runID string, event domain.ProgressEvent) {
	h.mu.Lock()
	var evicted []*Subscriber
	for sub := range h.subs[runID] {
		select {
		case sub.events <- event:
		default:
			evicted = append(evicted, sub)
			delete(h.subs[runID], sub)
		}
	}
	if len(h.subs[runID]) == 0 {
		delete(h.subs, runID)
	}
	h.mu.Unlock()

	for _, sub := range evicted {
		sub.close()
		if h.logger != nil {
			h.logger.Warn("evicted slow progress subscriber", "run_id", runID)
		}
	}
}

// PublishTerminal publishes the terminal event and then a fresh
// snapshot, so every subscriber observes the terminal state even if it
// missed the live event.
func (h *Hub) PublishTerminal(ctx context.Context, runID string, event domain.ProgressEvent) {
	h.Publish(runID, event)
	snapshot, err := h.snapshots.SnapshotEvent(ctx, runID)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("terminal snapshot failed", "run_id", runID, "error", err)
		}
		return
	}
	h.Publish(runID, snapshot)
}

// SubscriberCount is used by tests and the readiness surface.
func (h *Hub) SubscriberCount(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[runID])
}
