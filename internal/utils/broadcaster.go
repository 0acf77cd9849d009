package utils

import (
	"sync"
)

// Broadcaster fans a value out to every subscribed channel. Slow listeners
// whose buffer is full are dropped rather than blocking the publisher.
type Broadcaster[T any] struct {
	mu        sync.RWMutex
	nextId    int
	listeners map[int]chan T
	closed    bool
}

func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{
		listeners: make(map[int]chan T),
	}
}

// Subscribe registers a listener with the given buffer size and returns its
// channel plus an unsubscribe function. Unsubscribing closes the channel.
func (b *Broadcaster[T]) Subscribe(buf int) (<-chan T, func()) {
	ch := make(chan T, buf)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextId
	b.nextId++
	b.listeners[id] = ch

	return ch, func() { b.remove(id) }
}

func (b *Broadcaster[T]) Publish(v T) {
	b.mu.RLock()
	var stale []int
	for id, ch := range b.listeners {
		select {
		case ch <- v:
		default:
			stale = append(stale, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range stale {
		b.remove(id)
	}
}

func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.listeners {
		close(ch)
	}
	b.listeners = nil
	b.closed = true
}

func (b *Broadcaster[T]) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.listeners[id]; ok {
		close(ch)
		delete(b.listeners, id)
	}
}
