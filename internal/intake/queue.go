package intake

import (
	"context"
	"sync"

	"github.com/perti/swim/internal/event"
	"github.com/perti/swim/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// DefaultQueueSize is the default cap on pending events
const DefaultQueueSize = 1000

// Publisher receives events drained from the queue
type Publisher interface {
	PublishEvent(ev *event.Event) int
}

// Queue is a bounded FIFO of events. When full, the oldest events
// are dropped to make room for new ones.
type Queue struct {
	mu sync.Mutex

	items []*event.Event

	max int

	dropped uint64

	// notify has capacity one so a burst of enqueues wakes the drain once
	notify chan struct{}
}

// NewQueue returns a queue holding at most max events
func NewQueue(max int) *Queue {
	if max < 1 {
		max = DefaultQueueSize
	}
	return &Queue{
		items:  make([]*event.Event, 0, max),
		max:    max,
		notify: make(chan struct{}, 1),
	}
}

// Enqueue appends events in order, dropping the oldest pending events if
// the queue would overflow. It never blocks.
func (q *Queue) Enqueue(events []*event.Event) (int, int, error) {

	q.mu.Lock()

	dropped := 0

	for _, ev := range events {
		if len(q.items) >= q.max {
			q.items[0] = nil
			q.items = q.items[1:]
			dropped++
		}
		q.items = append(q.items, ev)
	}

	q.dropped += uint64(dropped)
	pending := len(q.items)

	q.mu.Unlock()

	metrics.IntakePending.Set(float64(pending))

	if dropped > 0 {
		metrics.IntakeDropped.Add(float64(dropped))
		log.WithFields(log.Fields{"dropped": dropped, "pending": pending}).Warn("intake queue full, oldest events dropped")
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}

	return len(events), pending, nil
}

// Pending returns the number of events waiting to be published
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the total number of events dropped for lack of space
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// take removes and returns every pending event
func (q *Queue) take() []*event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = make([]*event.Event, 0, q.max)
	metrics.IntakePending.Set(0)
	return items
}

// Drain publishes queued events in order until the context is
// cancelled, then publishes whatever is still pending and returns
func (q *Queue) Drain(ctx context.Context, p Publisher) {

	publish := func() {
		for _, ev := range q.take() {
			p.PublishEvent(ev)
		}
	}

	for {
		select {
		case <-q.notify:
			publish()
		case <-ctx.Done():
			publish()
			log.Debug("intake queue drained")
			return
		}
	}
}
