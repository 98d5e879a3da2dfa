package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQNotifier publishes change notices to a topic exchange with publisher confirms
type RabbitMQNotifier struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	logger     *slog.Logger
	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
	mu         sync.Mutex
	closeOnce  sync.Once
	healthy    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// declareExchange opens a channel with the notice exchange declared
func declareExchange(conn *amqp.Connection) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		ExchangeChanges,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare topic exchange: %w", err)
	}
	return ch, nil
}

// NewRabbitMQNotifier connects, declares the exchange and enables publisher confirms
func NewRabbitMQNotifier(url string, l *slog.Logger) (*RabbitMQNotifier, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := declareExchange(c)
	if err != nil {
		c.Close()
		return nil, err
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to activate Publisher Confirms: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &RabbitMQNotifier{
		conn:       c,
		channel:    ch,
		logger:     l.With("component", "rabbitmq_notifier"),
		connClosed: make(chan *amqp.Error, 1),
		chanClosed: make(chan *amqp.Error, 1),
		ctx:        ctx,
		cancel:     cancel,
	}

	n.healthy.Store(true)
	metrics.NotifierHealthy.Set(1)

	n.conn.NotifyClose(n.connClosed)
	n.channel.NotifyClose(n.chanClosed)

	go func() {
		select {
		case err := <-n.connClosed:
			n.healthy.Store(false)
			metrics.NotifierHealthy.Set(0)
			n.logger.Warn("RabbitMQ connection closed", "error", err)
		case err := <-n.chanClosed:
			n.healthy.Store(false)
			metrics.NotifierHealthy.Set(0)
			n.logger.Warn("RabbitMQ channel closed", "error", err)
		case <-n.ctx.Done():
			return
		}
	}()
	n.logger.Info("Connected to RabbitMQ, change notices enabled", "exchange", ExchangeChanges)
	return n, nil
}

// NotifyChange publishes a notice and blocks until the broker confirms it
func (r *RabbitMQNotifier) NotifyChange(ctx context.Context, notice models.ChangeNotice) error {
	if !r.IsHealthy() {
		return fmt.Errorf("broker connection is closed")
	}

	body, err := encodeNotice(notice)
	if err != nil {
		return err
	}

	// Confirms are matched by delivery tag, so publishes on one channel are serialized
	r.mu.Lock()
	defer r.mu.Unlock()

	deferred, err := r.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		ExchangeChanges,
		RoutingKey(notice.ScopeKey),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Transient,
			Timestamp:    notice.SentAt,
			Body:         body,
		},
	)
	if err != nil {
		r.logger.Error("failed to publish notice to exchange", "scope", notice.ScopeKey, "error", err)
		return fmt.Errorf("publish call failed: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return fmt.Errorf("RabbitMQ NACK received: notice not routed")
		}
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("publisher confirm timeout")
	}
}

// Close gracefully shuts down the RabbitMQ resources
func (r *RabbitMQNotifier) Close() error {
	r.closeOnce.Do(func() {
		r.logger.Info("Terminating RabbitMQ notifier")
		r.cancel()
		metrics.NotifierHealthy.Set(0)
		if r.channel != nil {
			r.channel.Close()
		}
		if r.conn != nil {
			r.conn.Close()
		}
	})
	return nil
}

// IsHealthy returns true if the connection and channel are active
func (r *RabbitMQNotifier) IsHealthy() bool {
	return r.healthy.Load()
}
