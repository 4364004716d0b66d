package pipeline

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/service-ingest/internal/model"
)

// EventType names a job lifecycle notification.
type EventType string

const (
	EventJobCreated     EventType = "job_created"
	EventJobStarted     EventType = "job_started"
	EventJobCompleted   EventType = "job_completed"
	EventJobFailed      EventType = "job_failed"
	EventQueueCompleted EventType = "queue_completed"
)

// Event is one lifecycle notification. Job is a point-in-time snapshot and
// is nil for queue_completed.
type Event struct {
	Type EventType  `json:"type"`
	Job  *model.Job `json:"job,omitempty"`
	At   time.Time  `json:"at"`
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event and the drop is counted. Late
// subscribers do not receive earlier events.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	next    int
	dropped int64
	closed  bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given channel buffer. The
// returned function unsubscribes and closes the channel; it is safe to call
// more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
			zap.L().Debug("pipeline: event dropped for slow subscriber",
				zap.Int("subscriber", id),
				zap.String("event", string(e.Type)),
			)
		}
	}
}

// Dropped returns the number of deliveries skipped because a subscriber
// buffer was full.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
