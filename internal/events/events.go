// Package events provides small type-safe pub/sub primitives used to fan
// component state out to observers without string-keyed notification buses.
// ChannelEvent delivers to subscriber channels (non-blocking, full channels
// are skipped); CallbackEvent invokes subscriber functions synchronously.
package events

import "sync"

type subscriber[S any] struct {
	id   uint64
	sink S
}

// ChannelEvent broadcasts values of type T to registered channels.
// When replayLast is enabled, a new listener immediately receives the most
// recently published value, which lets late subscribers render current state.
type ChannelEvent[T any] struct {
	mu         sync.Mutex
	subs       []subscriber[chan<- T]
	nextID     uint64
	replayLast bool
	last       *T
}

// NewChannelEvent creates a ChannelEvent. replayLast controls whether new
// listeners are primed with the last published value.
func NewChannelEvent[T any](replayLast bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{replayLast: replayLast}
}

// Listen registers ch to receive published values and returns a function
// that removes the registration.
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("events: listen channel cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs = append(e.subs, subscriber[chan<- T]{id: id, sink: ch})
	var replay *T
	if e.replayLast && e.last != nil {
		v := *e.last
		replay = &v
	}
	e.mu.Unlock()

	if replay != nil {
		select {
		case ch <- *replay:
		default:
		}
	}

	return func() { e.remove(id) }
}

func (e *ChannelEvent[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			return
		}
	}
}

// Notify publishes value to every registered channel. Sends never block; a
// listener whose channel is full misses this value.
func (e *ChannelEvent[T]) Notify(value T) {
	e.mu.Lock()
	if e.replayLast {
		v := value
		e.last = &v
	}
	targets := make([]chan<- T, len(e.subs))
	for i, s := range e.subs {
		targets[i] = s.sink
	}
	e.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- value:
		default:
		}
	}
}

// ListenerCount reports how many channels are currently registered.
func (e *ChannelEvent[T]) ListenerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// CallbackEvent broadcasts values of type T to registered callback functions.
// Callbacks run synchronously on the notifying goroutine, outside the
// internal lock, so a callback may itself subscribe or publish.
type CallbackEvent[T any] struct {
	mu         sync.Mutex
	subs       []subscriber[func(T)]
	nextID     uint64
	replayLast bool
	last       *T
}

// NewCallbackEvent creates a CallbackEvent. replayLast controls whether new
// listeners are invoked immediately with the last published value.
func NewCallbackEvent[T any](replayLast bool) *CallbackEvent[T] {
	return &CallbackEvent[T]{replayLast: replayLast}
}

// Listen registers fn and returns a function that removes the registration.
func (e *CallbackEvent[T]) Listen(fn func(T)) func() {
	if fn == nil {
		panic("events: listen callback cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs = append(e.subs, subscriber[func(T)]{id: id, sink: fn})
	var replay *T
	if e.replayLast && e.last != nil {
		v := *e.last
		replay = &v
	}
	e.mu.Unlock()

	if replay != nil {
		fn(*replay)
	}

	return func() { e.removeCallback(id) }
}

func (e *CallbackEvent[T]) removeCallback(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			return
		}
	}
}

// Notify invokes every registered callback with value.
func (e *CallbackEvent[T]) Notify(value T) {
	e.mu.Lock()
	if e.replayLast {
		v := value
		e.last = &v
	}
	targets := make([]func(T), len(e.subs))
	for i, s := range e.subs {
		targets[i] = s.sink
	}
	e.mu.Unlock()

	for _, fn := range targets {
		fn(value)
	}
}

// ListenerCount reports how many callbacks are currently registered.
func (e *CallbackEvent[T]) ListenerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}
