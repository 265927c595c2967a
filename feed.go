package shimmer

import (
	"sync"
	"sync/atomic"
)

const feedBuffer = 16

// Feed fans messages out to subscribers. Every subscriber gets its own
// buffered channel drained by one goroutine, so callbacks for a subscriber
// never run concurrently. When a subscriber's buffer is full the message is
// dropped for that subscriber and Broadcast does not block.
type Feed[T any] struct {
	mu      sync.RWMutex
	subs    map[int]chan T
	nextID  int
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
}

func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{subs: make(map[int]chan T)}
}

// On registers callback. The returned cleanup unsubscribes, messages already
// buffered are still delivered.
func (f *Feed[T]) On(callback func(message T)) (cleanup func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return func() {}
	}

	id := f.nextID
	f.nextID++

	messages := make(chan T, feedBuffer)
	f.subs[id] = messages

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for message := range messages {
			callback(message)
		}
	}()

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if ch, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(ch)
		}
	}
}

// Broadcast queues message for every subscriber and returns how many
// accepted it.
func (f *Feed[T]) Broadcast(message T) (delivered int) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return
	}

	for _, ch := range f.subs {
		select {
		case ch <- message:
			delivered++
		default:
			f.dropped.Add(1)
		}
	}

	return
}

func (f *Feed[T]) Dropped() int64 {
	return f.dropped.Load()
}

// Close unsubscribes everyone and waits for queued messages to be handled.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
	f.mu.Unlock()

	f.wg.Wait()
}
