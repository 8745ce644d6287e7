package clientsync

import "github.com/sitescope-labs/sitescope-go/internal/domain"

const defaultTranscriptSize = 200

// Transcript keeps the most recent visible events in a fixed-capacity
// ring, so memory use is independent of run duration. Oldest entries
// are discarded first.
type Transcript struct {
	capacity int
	entries  []domain.ProgressEvent
	start    int
	count    int
}

func NewTranscript(capacity int) *Transcript {
	if capacity <= 0 {
		capacity = defaultTranscriptSize
	}
	return &Transcript{
		capacity: capacity,
		entries:  make([]domain.ProgressEvent, capacity),
	}
}

func (t *Transcript) Append(event domain.ProgressEvent) {
	index := (t.start + t.count) % t.capacity
	t.entries[index] = event
	if t.count < t.capacity {
		t.count++
		return
	}
	t.start = (t.start + 1) % t.capacity
}

// Events returns a copy in arrival order, oldest first.
func (t *Transcript) Events() []domain.ProgressEvent {
	out := make([]domain.ProgressEvent, 0, t.count)
	for i := 0; i < t.count; i++ {
		out = append(out, t.entries[(t.start+i)%t.capacity])
	}
	return out
}

func (t *Transcript) Len() int { return t.count }
