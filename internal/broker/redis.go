package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/config"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/pkg/infra"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

func redisOptions(cfg *config.Config) *redis.Options {
	return &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// RedisNotifier publishes notices on per-scope pub/sub channels
type RedisNotifier struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisNotifier connects and pings the server
func NewRedisNotifier(ctx context.Context, opts *redis.Options, logger *slog.Logger) (*RedisNotifier, error) {
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	metrics.NotifierHealthy.Set(1)
	logger.Info("Connected to Redis, change notices enabled", "addr", opts.Addr)
	return NewRedisNotifierFromClient(client, logger), nil
}

// NewRedisNotifierFromClient wraps an existing client
func NewRedisNotifierFromClient(client *redis.Client, logger *slog.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, logger: logger.With("component", "redis_notifier")}
}

func (r *RedisNotifier) NotifyChange(ctx context.Context, notice models.ChangeNotice) error {
	body, err := encodeNotice(notice)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, Channel(notice.ScopeKey), body).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

func (r *RedisNotifier) Close() error {
	metrics.NotifierHealthy.Set(0)
	return r.client.Close()
}

// RedisListener subscribes to the channel of one scope
type RedisListener struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisListener(opts *redis.Options, logger *slog.Logger) *RedisListener {
	return NewRedisListenerFromClient(redis.NewClient(opts), logger)
}

func NewRedisListenerFromClient(client *redis.Client, logger *slog.Logger) *RedisListener {
	return &RedisListener{client: client, logger: logger.With("component", "redis_listener")}
}

// Listen blocks until ctx ends. Receive errors trigger a resubscribe after backoff.
func (r *RedisListener) Listen(ctx context.Context, scope string, fn func(models.ChangeNotice)) error {
	backoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)

	for {
		err := r.receive(ctx, scope, fn, backoff)
		if ctx.Err() != nil {
			return nil
		}

		wait := backoff.Next()
		metrics.NotifierHealthy.Set(0)
		metrics.NotifierReconnections.Inc()
		r.logger.Warn("Redis subscription lost, retrying", "wait", wait, "error", err)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *RedisListener) receive(ctx context.Context, scope string, fn func(models.ChangeNotice), backoff *infra.Backoff) error {
	sub := r.client.Subscribe(ctx, Channel(scope))
	defer sub.Close()

	// Wait for the subscription confirmation so connection errors surface here
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}

	backoff.Reset()
	metrics.NotifierHealthy.Set(1)
	r.logger.Info("Listening for change notices", "channel", Channel(scope))

	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		notice, err := decodeNotice([]byte(msg.Payload))
		if err != nil {
			r.logger.Error("Dropping notice", "error", err)
			continue
		}
		if !sameScope(scope, notice) {
			r.logger.Warn("Dropping notice for another scope", "scope", notice.ScopeKey)
			continue
		}
		fn(notice)
	}
}

func (r *RedisListener) Close() error {
	return r.client.Close()
}
