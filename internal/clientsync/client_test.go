package clientsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sitescope-labs/sitescope-go/internal/domain"
)

func streamOf(t *testing.T, events ...domain.ProgressEvent) io.ReadCloser {
	t.Helper()
	var b strings.Builder
	for _, event := range events {
		line, err := json.Marshal(event)
		if err != nil {
			t.Fatalf("marshal event: %v", err)
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	return io.NopCloser(strings.NewReader(b.String()))
}

// scriptedDialer hands out one pre-built stream (or error) per dial.
type scriptedDialer struct {
	streams []io.ReadCloser
	errs    []error
	dials   int
}

func (d *scriptedDialer) dial(_ context.Context) (io.ReadCloser, error) {
	i := d.dials
	d.dials++
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	if i < len(d.streams) && d.streams[i] != nil {
		return d.streams[i], nil
	}
	return nil, errors.New("no more scripted streams")
}

func newTestClient(t *testing.T, sync *Synchronizer, dialer *scriptedDialer, maxAttempts int) *Client {
	t.Helper()
	client, err := NewClient(nil, sync, dialer.dial, BackoffPolicy{
		Initial:     time.Millisecond,
		Max:         4 * time.Millisecond,
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	client.sleep = func(_ context.Context, _ time.Duration) error { return nil }
	return client
}

func runningSnapshot() domain.ProgressEvent {
	return domain.SnapshotEvent("run-1", domain.Snapshot{
		Status:       domain.RunStatusRunning,
		CurrentPhase: "discovery",
	})
}

func completedSnapshot() domain.ProgressEvent {
	return domain.SnapshotEvent("run-1", domain.Snapshot{
		Status:          domain.RunStatusCompleted,
		Progress:        100,
		CompletedAgents: []string{"crawler", "extractor", "analyzer", "reporter"},
	})
}

func TestBackoffDelayDoublesUpToCap(t *testing.T) {
	policy := BackoffPolicy{Initial: 500 * time.Millisecond, Max: 3 * time.Second, MaxAttempts: 8}

	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		3 * time.Second,
		3 * time.Second,
	}
	for i, expected := range want {
		if got := policy.Delay(i + 1); got != expected {
			t.Fatalf("delay(%d) = %v, want %v", i+1, got, expected)
		}
	}
}

func TestBackoffValidate(t *testing.T) {
	if err := DefaultBackoff().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	bad := []BackoffPolicy{
		{Initial: 0, Max: time.Second, MaxAttempts: 3},
		{Initial: 2 * time.Second, Max: time.Second, MaxAttempts: 3},
		{Initial: time.Second, Max: time.Second, MaxAttempts: 0},
	}
	for i, policy := range bad {
		if err := policy.Validate(); err == nil {
			t.Fatalf("policy %d accepted: %+v", i, policy)
		}
	}
}

func TestRunStopsOnTerminalSnapshot(t *testing.T) {
	sync := NewSynchronizer(testCatalog(), 0)
	dialer := &scriptedDialer{streams: []io.ReadCloser{
		streamOf(t,
			domain.ConnectedEvent("run-1"),
			runningSnapshot(),
			domain.PhaseStartEvent("run-1", "discovery"),
			completedSnapshot(),
		),
	}}
	client := newTestClient(t, sync, dialer, 3)

	if err := client.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if dialer.dials != 1 {
		t.Fatalf("dials = %d, want 1", dialer.dials)
	}
	if got := sync.View().State; got != StateCompleted {
		t.Fatalf("state = %s, want completed", got)
	}
}

func TestRunReconnectsAfterStreamEnd(t *testing.T) {
	sync := NewSynchronizer(testCatalog(), 0)
	dialer := &scriptedDialer{streams: []io.ReadCloser{
		streamOf(t,
			domain.ConnectedEvent("run-1"),
			runningSnapshot(),
			domain.AgentStartEvent("run-1", "discovery", "crawler"),
		),
		streamOf(t,
			domain.ConnectedEvent("run-1"),
			completedSnapshot(),
		),
	}}
	client := newTestClient(t, sync, dialer, 5)

	if err := client.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if dialer.dials != 2 {
		t.Fatalf("dials = %d, want 2", dialer.dials)
	}
	if got := sync.View().State; got != StateCompleted {
		t.Fatalf("state = %s, want completed", got)
	}
}

func TestRunExhaustsAttemptsAndMarksConnectionLost(t *testing.T) {
	sync := NewSynchronizer(testCatalog(), 0)
	dialErr := errors.New("connection refused")
	dialer := &scriptedDialer{errs: []error{dialErr, dialErr, dialErr}}
	client := newTestClient(t, sync, dialer, 3)

	err := client.Run(context.Background())
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("Run error = %v, want ErrAttemptsExhausted", err)
	}
	if dialer.dials != 3 {
		t.Fatalf("dials = %d, want 3", dialer.dials)
	}
	view := sync.View()
	if view.State != StateError || !view.ConnectionLost {
		t.Fatalf("view = %+v, want connection-lost error state", view)
	}
}

func TestRunResetsAttemptsAfterSuccessfulDial(t *testing.T) {
	sync := NewSynchronizer(testCatalog(), 0)
	dialErr := errors.New("connection refused")
	// A failed dial, a stream that ends mid-run, another failed dial,
	// then the terminal stream. Without the reset on a successful dial
	// the budget of 3 would be spent before the fourth dial.
	dialer := &scriptedDialer{
		errs: []error{dialErr, nil, dialErr, nil},
		streams: []io.ReadCloser{
			nil,
			streamOf(t, domain.ConnectedEvent("run-1"), runningSnapshot()),
			nil,
			streamOf(t, domain.ConnectedEvent("run-1"), completedSnapshot()),
		},
	}
	client := newTestClient(t, sync, dialer, 3)

	if err := client.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if dialer.dials != 4 {
		t.Fatalf("dials = %d, want 4", dialer.dials)
	}
}

func TestRunReturnsContextError(t *testing.T) {
	sync := NewSynchronizer(testCatalog(), 0)
	dialer := &scriptedDialer{}
	client := newTestClient(t, sync, dialer, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if dialer.dials != 0 {
		t.Fatalf("dials = %d, want 0", dialer.dials)
	}
}

func TestConsumeHoldsBackLiveEventsBeforeSnapshot(t *testing.T) {
	sync := NewSynchronizer(testCatalog(), 0)
	// A stale complete event arrives before the snapshot on reconnect.
	// It must be dropped so the snapshot decides the real state.
	dialer := &scriptedDialer{streams: []io.ReadCloser{
		streamOf(t,
			domain.ConnectedEvent("run-1"),
			domain.CompleteEvent("run-1"),
			runningSnapshot(),
			completedSnapshot(),
		),
	}}
	client := newTestClient(t, sync, dialer, 3)

	if err := client.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, event := range sync.Transcript() {
		if event.Type == domain.EventComplete {
			t.Fatal("pre-snapshot complete event was applied")
		}
	}
	if got := sync.View().State; got != StateCompleted {
		t.Fatalf("state = %s, want completed from snapshot", got)
	}
}

func TestConsumeSkipsMalformedLines(t *testing.T) {
	sync := NewSynchronizer(testCatalog(), 0)
	good, err := json.Marshal(completedSnapshot())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	raw := "not json\n\n" + string(good) + "\n"
	dialer := &scriptedDialer{streams: []io.ReadCloser{
		io.NopCloser(strings.NewReader(raw)),
	}}
	client := newTestClient(t, sync, dialer, 3)

	if err := client.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := sync.View().State; got != StateCompleted {
		t.Fatalf("state = %s, want completed", got)
	}
}

func TestNewClientValidatesInputs(t *testing.T) {
	sync := NewSynchronizer(testCatalog(), 0)
	dialer := &scriptedDialer{}

	if _, err := NewClient(nil, nil, dialer.dial, DefaultBackoff()); err == nil {
		t.Fatal("accepted nil synchronizer")
	}
	if _, err := NewClient(nil, sync, nil, DefaultBackoff()); err == nil {
		t.Fatal("accepted nil dialer")
	}
	if _, err := NewClient(nil, sync, dialer.dial, BackoffPolicy{}); err == nil {
		t.Fatal("accepted zero backoff policy")
	}
}
