// Package bus implements core.EventBus in process and over Redis pub/sub.
package bus

import (
	"context"
	"sync"

	"github.com/dkeye/Signal/internal/core"
	"github.com/rs/zerolog/log"
)

type subscription struct {
	h core.Handler

	mu     sync.Mutex
	queue  []core.Event
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newSubscription(h core.Handler) *subscription {
	s := &subscription{
		h:    h,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscription) enqueue(ev core.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if s.closed || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue[0] = core.Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.deliver(ev)
		}
	}
}

func (s *subscription) deliver(ev core.Event) {
	defer func() {
		if v := recover(); v != nil {
			log.Error().Str("module", "bus").Str("topic", ev.Topic).Interface("panic", v).Msg("event handler panicked")
		}
	}()
	s.h(ev)
}

func (s *subscription) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
}

// LocalBus delivers events inside one process. Every subscription drains
// its own queue in publish order.
type LocalBus struct {
	origin string

	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	closed bool
}

var _ core.EventBus = (*LocalBus)(nil)

func NewLocalBus(origin string) *LocalBus {
	return &LocalBus{
		origin: origin,
		subs:   make(map[string]map[*subscription]struct{}),
	}
}

func (b *LocalBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.Deliver(core.Event{Topic: topic, Payload: append([]byte(nil), payload...), Origin: b.origin})
	return nil
}

// Deliver hands ev to the subscribers of its topic.
func (b *LocalBus) Deliver(ev core.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs[ev.Topic] {
		s.enqueue(ev)
	}
}

func (b *LocalBus) Subscribe(topic string, h core.Handler) func() {
	s := newSubscription(h)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.stop()
		return func() {}
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*subscription]struct{})
	}
	b.subs[topic][s] = struct{}{}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs[topic], s)
		b.mu.Unlock()
		s.stop()
	}
}

func (b *LocalBus) Degraded() bool { return false }

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.subs {
		for s := range set {
			s.stop()
		}
	}
	b.subs = nil
	return nil
}
