package service

import (
	"context"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/models"
)

// Config tunes the client engine. Zero values are replaced by DefaultConfig's.
type Config struct {
	PushBatchSize int
	SyncInterval  time.Duration
	MaxRetries    int
	BackoffBase   time.Duration

	// AbandonAfterMaxRetries turns a retryable failure into a permanent
	// MAX_RETRIES once an event has failed MaxRetries times. Off by default.
	AbandonAfterMaxRetries bool
}

func DefaultConfig() Config {
	return Config{
		PushBatchSize: 10,
		SyncInterval:  5 * time.Second,
		MaxRetries:    5,
		BackoffBase:   5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PushBatchSize <= 0 {
		c.PushBatchSize = d.PushBatchSize
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = d.SyncInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	return c
}

// PushHandler sends a batch to the server and returns one result per event
type PushHandler interface {
	Push(ctx context.Context, events []models.OutboxEvent) ([]models.PushResult, error)
}

// PullHandler fetches the page of changes after cursor
type PullHandler interface {
	Pull(ctx context.Context, cursor int64) (*models.PullPage, error)
}

type PushFunc func(ctx context.Context, events []models.OutboxEvent) ([]models.PushResult, error)

func (f PushFunc) Push(ctx context.Context, events []models.OutboxEvent) ([]models.PushResult, error) {
	return f(ctx, events)
}

type PullFunc func(ctx context.Context, cursor int64) (*models.PullPage, error)

func (f PullFunc) Pull(ctx context.Context, cursor int64) (*models.PullPage, error) {
	return f(ctx, cursor)
}

// CursorHooks persist the pull cursor outside the local store.
// Set is called only after a page has been applied.
type CursorHooks struct {
	Get func(ctx context.Context) (int64, error)
	Set func(ctx context.Context, cursor int64) error
}
