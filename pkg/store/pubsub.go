package store

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Message is one pub/sub delivery
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pub/sub consumer. Close it to release the
// underlying connection; Messages is closed afterwards.
type Subscription struct {
	ps  *redis.PubSub
	out chan Message
}

// Subscribe opens a pub/sub subscription on the given channels. Delivery is
// at-most-once; the subscription survives transient reconnects inside the
// driver.
func (g *Gateway) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	if g.closed.Load() {
		return nil, ErrClosed
	}

	ps := g.client.Subscribe(ctx, channels...)
	// Force the subscribe round-trip so a dead backend fails fast here
	// rather than silently delivering nothing.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}

	sub := &Subscription{
		ps:  ps,
		out: make(chan Message, 256),
	}

	go func() {
		defer close(sub.out)
		for msg := range ps.Channel() {
			select {
			case sub.out <- Message{Channel: msg.Channel, Payload: msg.Payload}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return sub, nil
}

// Messages returns the delivery channel
func (s *Subscription) Messages() <-chan Message {
	return s.out
}

// Close tears the subscription down
func (s *Subscription) Close() error {
	return s.ps.Close()
}
