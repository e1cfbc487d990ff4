// Package fanout broadcasts lifecycle events to subscribers. Delivery is
// best-effort and at-most-once per connected subscriber: there is no replay,
// and a subscriber whose buffer is full misses the event.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/alanyoungcy/oraclex/internal/domain"
)

const (
	// DefaultChannel is the bus channel lifecycle events are relayed on.
	DefaultChannel = "events:lifecycle"

	defaultBuffer = 64
	relayBuffer   = 256
)

// Subscription receives events on C until it is unsubscribed.
type Subscription struct {
	C <-chan domain.Event

	id uint64
	ch chan domain.Event
}

// Broadcaster fans lifecycle events out to in-process subscribers and, when
// a SignalBus is attached, to other instances.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	origin  string
	bus     domain.SignalBus
	channel string
	outbox  chan []byte
	dropped atomic.Uint64
	logger  *slog.Logger
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithBus relays events to and from other instances over bus.
func WithBus(bus domain.SignalBus, channel string) Option {
	return func(b *Broadcaster) {
		b.bus = bus
		if channel != "" {
			b.channel = channel
		}
	}
}

// New creates a Broadcaster with a random instance origin.
func New(logger *slog.Logger, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		subs:    make(map[uint64]*Subscription),
		origin:  uuid.NewString(),
		channel: DefaultChannel,
		logger:  logger.With(slog.String("component", "fanout")),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.bus != nil {
		b.outbox = make(chan []byte, relayBuffer)
	}
	return b
}

// Origin identifies this instance in relayed events.
func (b *Broadcaster) Origin() string { return b.origin }

// Dropped returns how many deliveries were skipped because a subscriber or
// the relay was not keeping up.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }

// Subscribe registers a subscriber with the given buffer size. A size of
// zero or less uses the default.
func (b *Broadcaster) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan domain.Event, buffer)
	s := &Subscription{C: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	return s
}

// Unsubscribe removes s and closes its channel. It is safe to call more
// than once.
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; ok {
		delete(b.subs, s.id)
		close(s.ch)
	}
}

// Subscribers returns the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers ev to every current subscriber without blocking and
// queues it for the relay.
func (b *Broadcaster) Publish(ctx context.Context, ev domain.Event) {
	if ev.Origin == "" {
		ev.Origin = b.origin
	}
	b.deliver(ctx, ev)

	if b.outbox == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.WarnContext(ctx, "encode event failed", slog.String("error", err.Error()))
		return
	}
	select {
	case b.outbox <- data:
	default:
		b.dropped.Add(1)
		b.logger.DebugContext(ctx, "relay queue full, event dropped", slog.String("event_id", ev.ID))
	}
}

func (b *Broadcaster) deliver(ctx context.Context, ev domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.DebugContext(ctx, "subscriber slow, event dropped",
				slog.Uint64("subscriber", s.id),
				slog.String("event_id", ev.ID),
			)
		}
	}
}

// Run relays events between this instance and the bus until ctx is done,
// then closes every subscription. Without a bus it only waits for ctx.
func (b *Broadcaster) Run(ctx context.Context) error {
	defer b.closeAll()
	if b.bus == nil {
		<-ctx.Done()
		return nil
	}

	in, err := b.bus.Subscribe(ctx, b.channel)
	if err != nil {
		return err
	}
	b.logger.InfoContext(ctx, "relay started", slog.String("channel", b.channel), slog.String("origin", b.origin))

	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-b.outbox:
			if err := b.bus.Publish(ctx, b.channel, data); err != nil && !errors.Is(err, context.Canceled) {
				b.logger.WarnContext(ctx, "relay publish failed", slog.String("error", err.Error()))
			}
		case data, ok := <-in:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("fanout: relay subscription closed")
			}
			var ev domain.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				b.logger.WarnContext(ctx, "relay decode failed", slog.String("error", err.Error()))
				continue
			}
			if ev.Origin == b.origin {
				continue
			}
			b.deliver(ctx, ev)
		}
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}
