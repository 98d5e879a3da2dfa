package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/pkg/infra"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQListener consumes the notices of one scope through a private, auto-deleted queue.
// Lost connections are re-established with jittered backoff.
type RabbitMQListener struct {
	url    string
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

func NewRabbitMQListener(url string, logger *slog.Logger) *RabbitMQListener {
	return &RabbitMQListener{url: url, logger: logger.With("component", "rabbitmq_listener")}
}

// Listen blocks until ctx ends, reconnecting whenever the broker link drops
func (c *RabbitMQListener) Listen(ctx context.Context, scope string, fn func(models.ChangeNotice)) error {
	backoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)

	for {
		err := c.consume(ctx, scope, fn, backoff)
		if ctx.Err() != nil {
			return nil
		}

		wait := backoff.Next()
		metrics.NotifierHealthy.Set(0)
		metrics.NotifierReconnections.Inc()
		c.logger.Warn("RabbitMQ link failure, retrying", "wait", wait, "error", err)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *RabbitMQListener) consume(ctx context.Context, scope string, fn func(models.ChangeNotice), backoff *infra.Backoff) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.Close()

	ch, err := declareExchange(conn)
	if err != nil {
		return err
	}
	defer ch.Close()

	// Server-named, exclusive and auto-deleted: one queue per connected client
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, RoutingKey(scope), ExchangeChanges, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	msgs, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	backoff.Reset()
	metrics.NotifierHealthy.Set(1)
	c.logger.Info("Listening for change notices", "queue", q.Name, "routing_key", RoutingKey(scope))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}

			notice, err := decodeNotice(d.Body)
			if err != nil {
				c.logger.Error("Dropping notice", "error", err)
				d.Nack(false, false)
				continue
			}
			if !sameScope(scope, notice) {
				c.logger.Warn("Dropping notice for another scope", "scope", notice.ScopeKey)
				d.Ack(false)
				continue
			}

			fn(notice)

			if err := d.Ack(false); err != nil {
				c.logger.Error("Failed to Ack notice", "change_id", notice.ChangeID, "error", err)
			}
		}
	}
}

// Close drops the current connection; Listen returns once its ctx ends
func (c *RabbitMQListener) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
