// Package notify provides typed subscriber fan-out for engine and coordinator events.
package notify

import (
	"sync"

	"go.uber.org/zap"
)

// Fanout delivers values to every subscriber in subscription order. A panicking
// subscriber is recovered and logged; the remaining subscribers still run.
type Fanout[T any] struct {
	mu   sync.Mutex
	name string
	next int
	subs []subscriber[T]
	log  *zap.Logger
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// New constructs a Fanout. name labels log lines.
func New[T any](name string, logger *zap.Logger) *Fanout[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout[T]{name: name, log: logger}
}

// Subscribe registers fn and returns a function that removes it. Calling the
// returned function more than once is harmless.
func (f *Fanout[T]) Subscribe(fn func(T)) func() {
	if f == nil || fn == nil {
		return func() {}
	}
	f.mu.Lock()
	f.next++
	id := f.next
	f.subs = append(f.subs, subscriber[T]{id: id, fn: fn})
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			for i, s := range f.subs {
				if s.id == id {
					f.subs = append(f.subs[:i:i], f.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish calls every subscriber with v on the caller's goroutine.
func (f *Fanout[T]) Publish(v T) {
	if f == nil {
		return
	}
	f.mu.Lock()
	subs := make([]subscriber[T], len(f.subs))
	copy(subs, f.subs)
	f.mu.Unlock()

	for _, s := range subs {
		f.deliver(s, v)
	}
}

func (f *Fanout[T]) deliver(s subscriber[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("subscriber panicked", zap.String("fanout", f.name), zap.Int("subscriber", s.id), zap.Any("panic", r))
		}
	}()
	s.fn(v)
}

// Len returns the current subscriber count.
func (f *Fanout[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Clear drops every subscriber.
func (f *Fanout[T]) Clear() {
	f.mu.Lock()
	f.subs = nil
	f.mu.Unlock()
}
