// Package redis provides the cross-process single-writer lock that guards
// dimension writes per entity type.
package redis

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/config"
)

type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	// PoolSize stays small: the process only takes and extends locks
	PoolSize int
	Timeout  time.Duration
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
		Timeout:  cfg.RedisTimeout,
	}
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) options() *redis.Options {
	opts := &redis.Options{
		Addr:     c.Addr(),
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	}
	if c.Timeout > 0 {
		opts.DialTimeout = c.Timeout
		opts.ReadTimeout = c.Timeout
		opts.WriteTimeout = c.Timeout
	}
	return opts
}

type Client struct {
	rdb    redis.Cmdable
	closer func() error
	logger ectologger.Logger
}

// NewClient connects and pings once so a bad address fails at startup
func NewClient(ctx context.Context, cfg Config, logger ectologger.Logger) (*Client, error) {
	rdb := redis.NewClient(cfg.options())

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr(), err)
	}
	logger.WithContext(ctx).WithField("addr", cfg.Addr()).Info("Connected to redis")

	return &Client{rdb: rdb, closer: rdb.Close, logger: logger}, nil
}

// NewClientFromCmdable wraps a connection the caller owns, e.g. a cluster client
func NewClientFromCmdable(rdb redis.Cmdable, logger ectologger.Logger) *Client {
	return &Client{rdb: rdb, closer: func() error { return nil }, logger: logger}
}

func (c *Client) Close() error {
	return c.closer()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
