// Package bus connects the engine to the execution process over Redis
// pub/sub: outbound order messages, inbound heartbeats and market data.
package bus

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config holds the Redis connection and channel names.
type Config struct {
	Addr             string
	Password         string
	DB               int
	PoolSize         int
	OrdersChannel    string
	HeartbeatChannel string
	MarketChannel    string
}

// DefaultConfig returns the local development connection.
func DefaultConfig() Config {
	return Config{
		Addr:             "localhost:6379",
		PoolSize:         10,
		OrdersChannel:    "engine:orders",
		HeartbeatChannel: "engine:heartbeat",
		MarketChannel:    "engine:market",
	}
}

// Client wraps the shared Redis connection.
type Client struct {
	rdb *redis.Client
	cfg Config
	log zerolog.Logger
}

// NewClient connects to Redis. A failed initial ping is logged but not
// fatal; subscribers and publishers recover once Redis returns.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	c := &Client{
		rdb: rdb,
		cfg: cfg,
		log: log.With().Str("component", "bus").Logger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		c.log.Warn().Err(err).Str("addr", cfg.Addr).Msg("redis not reachable, starting degraded")
	} else {
		c.log.Info().Str("addr", cfg.Addr).Msg("redis connected")
	}
	return c
}

// Redis exposes the underlying client for subscribers.
func (c *Client) Redis() *redis.Client { return c.rdb }

// Close releases the connection pool.
func (c *Client) Close() error { return c.rdb.Close() }
