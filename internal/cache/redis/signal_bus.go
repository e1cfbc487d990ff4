package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/oraclex/internal/domain"
)

const defaultBusBuffer = 128

// SignalBus implements domain.SignalBus on Redis Pub/Sub. Channel names
// share the client's key prefix so deployments on one Redis stay apart.
type SignalBus struct {
	c      *Client
	buffer int
}

var _ domain.SignalBus = (*SignalBus)(nil)

// BusOption configures a SignalBus.
type BusOption func(*SignalBus)

// WithBuffer sets how many undelivered messages a subscription holds before
// the reader blocks Redis delivery.
func WithBuffer(n int) BusOption {
	return func(sb *SignalBus) {
		if n > 0 {
			sb.buffer = n
		}
	}
}

// NewSignalBus creates a SignalBus on c.
func NewSignalBus(c *Client, opts ...BusOption) *SignalBus {
	sb := &SignalBus{c: c, buffer: defaultBusBuffer}
	for _, o := range opts {
		o(sb)
	}
	return sb
}

// Publish sends payload on channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.c.rdb.Publish(ctx, sb.c.key(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe listens on channel, or on every matching channel when it
// contains glob characters. The subscription is confirmed before Subscribe
// returns. The returned channel closes once ctx is done.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	subscribe := sb.c.rdb.Subscribe
	if strings.ContainsAny(channel, "*?[") {
		subscribe = sb.c.rdb.PSubscribe
	}
	ps := subscribe(ctx, sb.c.key(channel))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, sb.buffer)
	go pump(ctx, ps, out, sb.buffer)
	return out, nil
}

func pump(ctx context.Context, ps *redis.PubSub, out chan<- []byte, size int) {
	defer close(out)
	defer ps.Close()

	in := ps.Channel(redis.WithChannelSize(size))
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}
}
