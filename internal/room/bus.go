package room

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// Bus carries broadcast envelopes between gateway processes. Every process
// receives every envelope, its own included.
type Bus interface {
	Publish(ctx context.Context, msg []byte) error
	// Subscribe calls handler for each envelope until ctx is done.
	Subscribe(ctx context.Context, handler func([]byte)) error
	Close() error
}

// --- Redis pub/sub ---

// RedisBus publishes envelopes on one Redis pub/sub channel.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisBus(client redis.UniversalClient, keyPrefix string) *RedisBus {
	return &RedisBus{client: client, channel: keyPrefix + ":bus"}
}

func (b *RedisBus) Publish(ctx context.Context, msg []byte) error {
	return b.client.Publish(ctx, b.channel, msg).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, handler func([]byte)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed before draining.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			handler([]byte(m.Payload))
		}
	}
}

// Close is a no-op; the Redis client is owned by the caller.
func (b *RedisBus) Close() error { return nil }

// --- NATS ---

// NATSBus publishes envelopes on one NATS subject.
type NATSBus struct {
	nc      *nats.Conn
	subject string
}

// NewNATSBus connects to url with unlimited reconnects.
func NewNATSBus(url, name, keyPrefix string, logger *slog.Logger) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSBus{nc: nc, subject: keyPrefix + ".bus"}, nil
}

func (b *NATSBus) Publish(_ context.Context, msg []byte) error {
	return b.nc.Publish(b.subject, msg)
}

func (b *NATSBus) Subscribe(ctx context.Context, handler func([]byte)) error {
	sub, err := b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		handler(m.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription: %w", err)
	}
	<-ctx.Done()
	_ = sub.Unsubscribe()
	return nil
}

func (b *NATSBus) Close() error {
	return b.nc.Drain()
}
