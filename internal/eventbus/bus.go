// Package eventbus fans engine lifecycle events (cycle started, finished,
// failed) out to in-process listeners.
//
// Publishing never blocks: a listener whose buffer is full misses the event
// and the miss is counted.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

const defaultBuffer = 8

// Memory is an in-memory Bus. It owns no goroutines.
type Memory struct {
	mu      sync.Mutex
	subs    map[uint64]chan Event
	next    uint64
	dropped atomic.Uint64
}

func New() *Memory {
	return &Memory{subs: map[uint64]chan Event{}}
}

func (b *Memory) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends are non-blocking, so holding the lock is fine and keeps
	// unsubscribe from closing a channel mid-send.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Memory) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.next++
	id := b.next
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

// Dropped returns how many deliveries were skipped because a listener was full.
func (b *Memory) Dropped() uint64 { return b.dropped.Load() }

// Subscribers returns the number of active listeners.
func (b *Memory) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
