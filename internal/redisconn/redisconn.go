// Package redisconn opens the Redis connection shared by the binaries,
// falling back to an in-process miniredis when no URL is configured.
package redisconn

import (
	"context"
	"fmt"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Conn is an open client and whatever must be torn down with it.
type Conn struct {
	Client redis.UniversalClient
	// Embedded is true when Client points at an in-process miniredis whose
	// data disappears with the process.
	Embedded bool

	mr *miniredis.Miniredis
}

// Open connects to storeURL (redis:// or rediss://) and pings it. An empty
// storeURL starts a miniredis server instead.
func Open(ctx context.Context, storeURL string, logger zerolog.Logger) (*Conn, error) {
	if storeURL == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, fmt.Errorf("start miniredis: %w", err)
		}
		logger.Warn().Str("addr", mr.Addr()).Msg("STORE_URL not set, using in-process store")
		return &Conn{
			Client:   redis.NewClient(&redis.Options{Addr: mr.Addr()}),
			Embedded: true,
			mr:       mr,
		}, nil
	}

	opts, err := redis.ParseURL(storeURL)
	if err != nil {
		return nil, fmt.Errorf("parse STORE_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	logger.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("connected to redis")
	return &Conn{Client: client}, nil
}

// Close closes the client and stops the embedded server, if any.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	err := c.Client.Close()
	if c.mr != nil {
		c.mr.Close()
	}
	return err
}
