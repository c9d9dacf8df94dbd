// Package bus is the in-process publish/subscribe fabric. Topics are typed
// by event kind and optionally keyed by channel id. Publishing never
// blocks: a slow subscriber drops its own events and cannot affect
// delivery to anyone else.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/AwwCookies/Chatterbox-sub000/internal/events"
	"github.com/AwwCookies/Chatterbox-sub000/pkg/logging"
)

// DefaultBufferSize is the per-subscriber buffer when none is configured.
const DefaultBufferSize = 256

// Bus fans events out to subscribers.
type Bus struct {
	logger     logging.Logger
	bufferSize int

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Subscription is a single subscriber handle. Events arrive on C() in
// publication order; when the buffer is full new events for this
// subscriber are dropped and counted.
type Subscription struct {
	bus       *Bus
	ch        chan events.Event
	kinds     map[events.Kind]struct{}
	channelID int
	dropped   atomic.Uint64
	closeOnce sync.Once
}

// Option configures a subscription.
type Option func(*Subscription)

// WithKinds restricts the subscription to the given event kinds. Without
// it the subscriber sees every kind.
func WithKinds(kinds ...events.Kind) Option {
	return func(s *Subscription) {
		s.kinds = make(map[events.Kind]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}
}

// WithChannel restricts the subscription to events for one channel id.
func WithChannel(channelID int) Option {
	return func(s *Subscription) { s.channelID = channelID }
}

// WithBuffer overrides the subscriber buffer size.
func WithBuffer(n int) Option {
	return func(s *Subscription) {
		if n > 0 {
			s.ch = make(chan events.Event, n)
		}
	}
}

// New creates a bus. bufferSize <= 0 selects DefaultBufferSize.
func New(logger logging.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		logger:     logger,
		bufferSize: bufferSize,
		subs:       make(map[*Subscription]struct{}),
	}
}

// Subscribe attaches a new subscriber.
func (b *Bus) Subscribe(opts ...Option) *Subscription {
	s := &Subscription{bus: b}
	for _, opt := range opts {
		opt(s)
	}
	if s.ch == nil {
		s.ch = make(chan events.Event, b.bufferSize)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers the event to every matching subscriber without
// blocking. Slow subscribers lose the event and have their dropped
// counter incremented.
func (b *Bus) Publish(ev events.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		if !s.matches(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

// Close tears down the bus and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
}

func (s *Subscription) matches(ev events.Event) bool {
	if s.kinds != nil {
		if _, ok := s.kinds[ev.Kind]; !ok {
			return false
		}
	}
	if s.channelID != 0 && ev.ChannelID != s.channelID {
		return false
	}
	return true
}

// C returns the subscriber's event stream. The channel is closed when the
// subscription or the bus is closed.
func (s *Subscription) C() <-chan events.Event {
	return s.ch
}

// Dropped returns how many events this subscriber has lost to a full
// buffer.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscriber and closes its channel.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if _, ok := s.bus.subs[s]; ok {
			delete(s.bus.subs, s)
			close(s.ch)
		}
	})
}
