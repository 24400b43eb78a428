// Package nats implements the message bus port using NATS JetStream.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/freightgate/freightgate/internal/config"
	"github.com/freightgate/freightgate/internal/port/messagequeue"
	"github.com/freightgate/freightgate/internal/resilience"
)

// streamName is the durable stream backing the a2a bus shared with the
// core scheduler.
const streamName = "A2A_BUS"

var streamSubjects = []string{"agent.>", "gateway.>"}

// subscription tracks a requested subscription so it can be established
// when the connection becomes ready, not just at call time.
type subscription struct {
	subject string
	handler messagequeue.Handler

	mu      sync.Mutex
	consume jetstream.ConsumeContext
	stopped bool
}

// Queue implements messagequeue.Queue using NATS JetStream.
//
// The connection retries forever with capped exponential backoff; publishes
// run through a circuit breaker so a dead broker fails fast instead of
// blocking every submission on a timeout.
type Queue struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	breaker *resilience.Breaker
	base    time.Duration
	max     time.Duration

	mu    sync.Mutex
	ready bool
	subs  []*subscription
}

// Connect starts a connection to NATS. The returned Queue may not be
// connected yet: connection failures are retried in the background and
// IsConnected stays false until the stream has been asserted, so callers
// gate submissions on it rather than on Connect succeeding.
func Connect(_ context.Context, cfg config.NATS, breaker *resilience.Breaker) (*Queue, error) {
	q := &Queue{
		breaker: breaker,
		base:    cfg.ReconnectBase,
		max:     cfg.ReconnectMax,
	}

	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.CustomReconnectDelay(q.reconnectDelay),
		nats.ConnectHandler(q.onConnected),
		nats.ReconnectHandler(q.onConnected),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	q.nc = nc
	q.js = js

	if nc.IsConnected() {
		q.onConnected(nc)
	}
	return q, nil
}

// reconnectDelay returns base*2^attempts capped at max.
func (q *Queue) reconnectDelay(attempts int) time.Duration {
	d := q.base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= q.max {
			return q.max
		}
	}
	return d
}

// onConnected asserts the stream and establishes any subscriptions that were
// requested while the broker was unreachable.
func (q *Queue) onConnected(nc *nats.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: streamSubjects,
	})
	if err != nil {
		slog.Error("jetstream stream assert failed", "stream", streamName, "error", err)
		return
	}

	q.mu.Lock()
	q.ready = true
	subs := make([]*subscription, len(q.subs))
	copy(subs, q.subs)
	q.mu.Unlock()

	slog.Info("nats connected", "url", nc.ConnectedUrl(), "stream", streamName)

	for _, sub := range subs {
		if err := q.startConsumer(ctx, sub); err != nil {
			slog.Error("nats consumer start failed", "subject", sub.subject, "error", err)
		}
	}
}

// Publish sends a message to the given subject through the circuit breaker.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	err := q.breaker.Execute(func() error {
		_, err := q.js.Publish(ctx, subject, data)
		return err
	})
	if err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given subject. If the
// broker is currently unreachable the consumer is created on (re)connect.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	sub := &subscription{subject: subject, handler: handler}

	q.mu.Lock()
	q.subs = append(q.subs, sub)
	ready := q.ready
	q.mu.Unlock()

	if ready {
		if err := q.startConsumer(ctx, sub); err != nil {
			return nil, err
		}
	}

	return func() { sub.stop() }, nil
}

// startConsumer creates (or reattaches) the JetStream consumer for a subscription.
func (q *Queue) startConsumer(ctx context.Context, sub *subscription) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.stopped || sub.consume != nil {
		return nil
	}

	consumer, err := q.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: sub.subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return fmt.Errorf("nats consumer create: %w", err)
	}

	consume, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := sub.handler(context.Background(), msg.Subject(), msg.Data()); err != nil {
			slog.Error("message handler failed", "subject", msg.Subject(), "error", err)
			if nakErr := msg.Nak(); nakErr != nil {
				slog.Error("nats nak failed", "error", nakErr)
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			slog.Error("nats ack failed", "error", ackErr)
		}
	})
	if err != nil {
		return fmt.Errorf("nats consume: %w", err)
	}

	sub.consume = consume
	return nil
}

func (s *subscription) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.consume != nil {
		s.consume.Stop()
		s.consume = nil
	}
}

// IsConnected reports whether the bus is connected and the stream asserted.
func (q *Queue) IsConnected() bool {
	q.mu.Lock()
	ready := q.ready
	q.mu.Unlock()
	return ready && q.nc.IsConnected()
}

// Drain gracefully drains subscriptions and the connection.
func (q *Queue) Drain() error {
	return q.nc.Drain()
}

// Close shuts down the NATS connection immediately.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}
