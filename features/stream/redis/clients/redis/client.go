// Package redis provides a thin wrapper around Redis Streams. It mirrors the
// layering used across deployments: callers build a Redis connection, pass it
// to New, and receive a typed interface exposing only the operations the
// stream sink needs.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

type (
	// Options configures the Redis stream client.
	Options struct {
		// Redis is the Redis connection backing the streams. Required.
		Redis *goredis.Client
		// StreamMaxLen bounds the number of entries kept per stream,
		// trimmed approximately. Zero keeps streams unbounded.
		StreamMaxLen int64
		// OperationTimeout bounds individual Add operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Client exposes the subset of Redis Streams operations required by the
	// stream sink.
	Client interface {
		// Add appends fields to the named stream, returning the entry id
		// assigned by Redis (e.g. "1234567890-0").
		Add(ctx context.Context, stream string, fields map[string]any) (string, error)
		// Close releases resources owned by the client. Callers typically own
		// the Redis connection and may rely on the no-op default.
		Close(ctx context.Context) error
	}
)

type client struct {
	redis   *goredis.Client
	maxLen  int64
	timeout time.Duration
}

// New constructs a stream client backed by the provided Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
	}, nil
}

// Add appends an entry via XADD with approximate MAXLEN trimming.
func (c *client) Add(ctx context.Context, stream string, fields map[string]any) (string, error) {
	if stream == "" {
		return "", errors.New("stream name is required")
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	id, err := c.redis.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream,
		MaxLen: c.maxLen,
		Approx: c.maxLen > 0,
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redis xadd: %w", err)
	}
	return id, nil
}

// Close is a no-op because the caller owns the Redis connection lifecycle.
func (c *client) Close(ctx context.Context) error {
	return nil
}
