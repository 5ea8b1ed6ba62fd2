package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/needledrop/needledrop/internal/observe"
)

// defaultQueueSize is the per-listener event queue depth used when a
// subscriber does not specify one.
const defaultQueueSize = 16

// broadcaster fans events out to subscribed listeners. Each listener gets a
// bounded queue; a listener that cannot keep up loses events rather than
// stalling the detection loop. Safe for concurrent use.
type broadcaster struct {
	metrics *observe.Metrics

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
}

func newBroadcaster(metrics *observe.Metrics) *broadcaster {
	return &broadcaster{
		metrics: metrics,
		subs:    make(map[int]chan Event),
	}
}

// subscribe registers a new listener with the given queue depth (0 means
// [defaultQueueSize]). The returned cancel function removes the listener and
// closes its channel; it is safe to call more than once.
func (b *broadcaster) subscribe(queue int) (<-chan Event, func()) {
	if queue <= 0 {
		queue = defaultQueueSize
	}
	ch := make(chan Event, queue)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// publish delivers ev to every listener that has queue room. Slow listeners
// are skipped and the drop is counted.
func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			if b.metrics != nil {
				b.metrics.ListenerDrops.Add(context.Background(), 1)
			}
			slog.Debug("dropped event for slow listener",
				"listener", id,
				"event", ev.Type)
		}
	}
}

// count returns the number of subscribed listeners.
func (b *broadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
