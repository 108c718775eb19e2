// Package state holds the client's reactive stores: a generic observable
// value plus the search, sort and draft form stores built on it.
package state

import (
	"context"
	"sync"
)

// Subject holds a current value and notifies subscribers on every
// transition. Notifications are delivered synchronously, in transition
// order. A subscriber must not mutate the Subject it is subscribed to.
type Subject[T any] struct {
	notifyMu sync.Mutex // serializes transitions and their notifications

	mu     sync.Mutex
	value  T
	nextID uint64
	subs   []subscription[T]
}

type subscription[T any] struct {
	id uint64
	fn func(T)
}

// NewSubject returns a Subject holding initial.
func NewSubject[T any](initial T) *Subject[T] {
	return &Subject[T]{value: initial}
}

// Get returns the current value.
func (s *Subject[T]) Get() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Set replaces the value and notifies subscribers.
func (s *Subject[T]) Set(v T) {
	s.Update(func(T) T { return v })
}

// Update derives the next value from the current one and notifies
// subscribers.
func (s *Subject[T]) Update(fn func(T) T) {
	s.TryUpdate(func(v T) (T, bool) { return fn(v), true })
}

// TryUpdate is Update for transitions that may not apply. fn reports
// whether it produced a new value; subscribers are notified only if so.
func (s *Subject[T]) TryUpdate(fn func(T) (T, bool)) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	next, ok := fn(s.value)
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.value = next
	subs := make([]subscription[T], len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(next)
	}
	return true
}

// Subscribe calls fn with the current value and then with every later
// value. The returned func detaches fn; it is safe to call more than once.
func (s *Subject[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscription[T]{id: id, fn: fn})
	v := s.value
	s.mu.Unlock()

	fn(v)

	return func() { s.remove(id) }
}

// Subscribers returns the number of attached subscribers.
func (s *Subject[T]) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Watch returns a channel carrying the latest value. The channel holds at
// most one pending value; a slow reader only ever sees the newest one and
// never holds up transitions. The channel closes when ctx is done.
func (s *Subject[T]) Watch(ctx context.Context) <-chan T {
	ch := make(chan T, 1)
	unsubscribe := s.Subscribe(func(v T) {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	})

	go func() {
		<-ctx.Done()
		// Waiting for notifyMu guarantees no send is in flight on close.
		s.notifyMu.Lock()
		unsubscribe()
		close(ch)
		s.notifyMu.Unlock()
	}()
	return ch
}

func (s *Subject[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return
		}
	}
}
