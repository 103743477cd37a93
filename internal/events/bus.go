// ABOUTME: Single-subscriber-per-channel event fan-out
// ABOUTME: Non-blocking publish with ordered per-subscriber delivery
package events

import (
	"sync"

	"github.com/upasthiti/crossp2p-go/pkg/protocol"
	"go.uber.org/zap"
)

// Handler receives events of one channel in publish order
type Handler func(protocol.Event)

// Bus fans events out to at most one subscriber per channel.
// Publishing never blocks on the subscriber and events published
// while a channel has no subscriber are dropped.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
	log    *zap.Logger
}

type subscription struct {
	handler Handler
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []protocol.Event
	closed  bool
	done    chan struct{}
	log     *zap.Logger
}

// New creates an empty bus
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs: make(map[string]*subscription),
		log:  logger.Named("events"),
	}
}

// Subscribe installs h as the only subscriber of channel, replacing any
// previous one. The returned function unsubscribes h if it is still current.
func (b *Bus) Subscribe(channel string, h Handler) func() {
	sub := &subscription{
		handler: h,
		done:    make(chan struct{}),
		log:     b.log,
	}
	sub.cond = sync.NewCond(&sub.mu)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		close(sub.done)
		return func() {}
	}
	prev := b.subs[channel]
	b.subs[channel] = sub
	b.mu.Unlock()

	if prev != nil {
		prev.close()
		b.log.Debug("subscriber replaced", zap.String("channel", channel))
	}

	go sub.run()

	return func() {
		b.mu.Lock()
		if b.subs[channel] == sub {
			delete(b.subs, channel)
		}
		b.mu.Unlock()
		sub.close()
	}
}

// Publish queues ev for the channel's subscriber
func (b *Bus) Publish(channel string, ev protocol.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.subs[channel]
	if sub == nil {
		b.log.Debug("event dropped, no subscriber",
			zap.String("channel", channel), zap.String("type", string(ev.Type)))
		return
	}
	sub.enqueue(ev)
}

// Emit publishes ev on the events channel
func (b *Bus) Emit(ev protocol.Event) {
	b.Publish(protocol.ChannelEvents, ev)
}

// HasSubscriber reports whether channel currently has a subscriber
func (b *Bus) HasSubscriber(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[channel] != nil
}

// Close drops all subscribers; later publishes are dropped
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*subscription)
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (s *subscription) enqueue(ev protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	s.cond.Broadcast()
}

func (s *subscription) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(ev)
	}
}

func (s *subscription) deliver(ev protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("subscriber panicked", zap.Any("panic", r), zap.String("type", string(ev.Type)))
		}
	}()
	s.handler(ev)
}
