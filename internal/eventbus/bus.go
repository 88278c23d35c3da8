// Package eventbus is an in-memory fanout used to report dispatch progress
// to the operator surfaces without coupling them to the engine.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by this module.
const (
	DispatchStarted  = "dispatch.started"
	DispatchFinished = "dispatch.finished"
	ScheduleChanged  = "schedule.changed"
	TaskFailed       = "task.failed"
	TaskSkipped      = "task.skipped"
)

// Event is a small in-memory signal. Publish never blocks; a subscriber that
// falls behind loses events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// the read lock also keeps unsubscribe from closing a channel mid-send
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
