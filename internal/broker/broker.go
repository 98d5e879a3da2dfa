// Package broker carries change notifications between the server and online clients.
// A notice only tells a client that its scope has new changelog rows; the data itself
// always travels through pull.
package broker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Guizzs26/go-offline-sync/internal/config"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/pkg/encoding"
)

const (
	ExchangeChanges = "sync.changes"
	redisPrefix     = "sync:changes:"
)

// Notifier publishes change notices. Satisfies the processor's ChangeNotifier.
type Notifier interface {
	NotifyChange(ctx context.Context, notice models.ChangeNotice) error
	Close() error
}

// Listener delivers notices for one scope until ctx ends
type Listener interface {
	Listen(ctx context.Context, scope string, fn func(models.ChangeNotice)) error
	Close() error
}

// RoutingKey is the topic key notices of scope are published under. The scope
// is base64url encoded so it is always a single topic word with no wildcards.
func RoutingKey(scope string) string {
	return "scope." + base64.RawURLEncoding.EncodeToString([]byte(encoding.NormalizeText(scope)))
}

// Channel is the Redis pub/sub channel of scope
func Channel(scope string) string {
	return redisPrefix + encoding.NormalizeText(scope)
}

// sameScope reports whether a received notice belongs to the listened scope
func sameScope(scope string, n models.ChangeNotice) bool {
	return encoding.NormalizeText(n.ScopeKey) == encoding.NormalizeText(scope)
}

func encodeNotice(n models.ChangeNotice) ([]byte, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize notice: %w", err)
	}
	return body, nil
}

func decodeNotice(body []byte) (models.ChangeNotice, error) {
	var n models.ChangeNotice
	if err := json.Unmarshal(body, &n); err != nil {
		return n, fmt.Errorf("malformed change notice: %w", err)
	}
	if n.ScopeKey == "" {
		return n, fmt.Errorf("malformed change notice: missing scope")
	}
	return n, nil
}

// NewNotifier builds the notifier selected by NOTIFY_BACKEND. It returns nil, nil for "none".
func NewNotifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Notifier, error) {
	switch cfg.NotifyBackend {
	case "rabbitmq":
		n, err := NewRabbitMQNotifier(cfg.RabbitMQURL, logger)
		if err != nil {
			return nil, err
		}
		return n, nil
	case "redis":
		n, err := NewRedisNotifier(ctx, redisOptions(cfg), logger)
		if err != nil {
			return nil, err
		}
		return n, nil
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown notify backend %q", cfg.NotifyBackend)
	}
}

// NewListener builds the listener selected by NOTIFY_BACKEND. It returns nil, nil for "none".
func NewListener(cfg *config.Config, logger *slog.Logger) (Listener, error) {
	switch cfg.NotifyBackend {
	case "rabbitmq":
		return NewRabbitMQListener(cfg.RabbitMQURL, logger), nil
	case "redis":
		return NewRedisListener(redisOptions(cfg), logger), nil
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown notify backend %q", cfg.NotifyBackend)
	}
}
