package broadcast

import (
	"context"
	"errors"
	"testing"

	"github.com/sitescope-labs/sitescope-go/internal/domain"
)

type staticSnapshots struct {
	snapshot domain.Snapshot
	err      error
}

func (s staticSnapshots) SnapshotEvent(_ context.Context, runID string) (domain.ProgressEvent, error) {
	if s.err != nil {
		return domain.ProgressEvent{}, s.err
	}
	return domain.SnapshotEvent(runID, s.snapshot), nil
}

func drain(t *testing.T, sub *Subscriber, n int) []domain.ProgressEvent {
	t.Helper()
	events := make([]domain.ProgressEvent, 0, n)
	for i := 0; i < n; i++ {
		select {
		case event := <-sub.Events():
			events = append(events, event)
		default:
			t.Fatalf("expected %d buffered events, got %d", n, len(events))
		}
	}
	return events
}

func TestSubscribeFrontLoadsConnectedAndSnapshot(t *testing.T) {
	hub := NewHub(nil, staticSnapshots{snapshot: domain.Snapshot{Status: domain.RunStatusRunning, Progress: 40}})

	sub, err := hub.Subscribe(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer hub.Unsubscribe(sub)

	events := drain(t, sub, 2)
	if events[0].Type != domain.EventConnected {
		t.Fatalf("first event must be connected, got %s", events[0].Type)
	}
	if events[1].Type != domain.EventSnapshot || events[1].Snapshot.Progress != 40 {
		t.Fatalf("second event must be the snapshot, got %+v", events[1])
	}
}

func TestSubscribeFailsWhenSnapshotUnavailable(t *testing.T) {
	hub := NewHub(nil, staticSnapshots{err: errors.New("run missing")})
	if _, err := hub.Subscribe(context.Background(), "run-1"); err == nil {
		t.Fatal("expected snapshot error")
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	hub := NewHub(nil, staticSnapshots{})

	first, err := hub.Subscribe(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	second, err := hub.Subscribe(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	other, err := hub.Subscribe(context.Background(), "run-2")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	drain(t, first, 2)
	drain(t, second, 2)
	drain(t, other, 2)

	hub.Publish("run-1", domain.PhaseStartEvent("run-1", "discovery"))

	for _, sub := range []*Subscriber{first, second} {
		event := drain(t, sub, 1)[0]
		if event.Type != domain.EventPhaseStart || event.Phase != "discovery" {
			t.Fatalf("unexpected event: %+v", event)
		}
	}
	select {
	case event := <-other.Events():
		t.Fatalf("run-2 subscriber must not receive run-1 events, got %+v", event)
	default:
	}
}

func TestPublishEvictsSlowSubscriber(t *testing.T) {
	hub := NewHub(nil, staticSnapshots{})

	sub, err := hub.Subscribe(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Fill the channel; two slots are taken by connected+snapshot.
	for i := 0; i < subscriberBuffer; i++ {
		hub.Publish("run-1", domain.PhaseStartEvent("run-1", "discovery"))
	}
	if hub.SubscriberCount("run-1") != 0 {
		t.Fatal("slow subscriber should be evicted")
	}

	// The channel closes so a streaming handler can end the response.
	drained := 0
	for range sub.Events() {
		drained++
	}
	if drained == 0 {
		t.Fatal("buffered events lost on eviction")
	}
}

func TestPublishTerminalAppendsFreshSnapshot(t *testing.T) {
	hub := NewHub(nil, staticSnapshots{snapshot: domain.Snapshot{Status: domain.RunStatusCompleted, Progress: 100}})

	sub, err := hub.Subscribe(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer hub.Unsubscribe(sub)
	drain(t, sub, 2)

	hub.PublishTerminal(context.Background(), "run-1", domain.CompleteEvent("run-1"))

	events := drain(t, sub, 2)
	if events[0].Type != domain.EventComplete {
		t.Fatalf("want complete first, got %s", events[0].Type)
	}
	if events[1].Type != domain.EventSnapshot || events[1].Snapshot.Status != domain.RunStatusCompleted {
		t.Fatalf("want terminal snapshot, got %+v", events[1])
	}
}

func TestUnsubscribeLeavesOthersAttached(t *testing.T) {
	hub := NewHub(nil, staticSnapshots{})

	first, _ := hub.Subscribe(context.Background(), "run-1")
	second, _ := hub.Subscribe(context.Background(), "run-1")
	hub.Unsubscribe(first)

	if hub.SubscriberCount("run-1") != 1 {
		t.Fatalf("want 1 subscriber, got %d", hub.SubscriberCount("run-1"))
	}
	hub.Unsubscribe(second)
	if hub.SubscriberCount("run-1") != 0 {
		t.Fatal("want no subscribers")
	}
}
