package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Driver names a backing store implementation.
type Driver string

const (
	DriverSQLite Driver = "sqlite"
	DriverRedis  Driver = "redis"
)

// ErrInvalidDriver is returned by Open for an unknown driver.
var ErrInvalidDriver = errors.New("store: invalid driver")

// Config selects and parameterizes a backend.
type Config struct {
	Driver        Driver
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// Open creates the Store named by cfg.Driver. A Redis store is pinged before
// it is returned.
func Open(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (Store, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		return NewSQLiteStore(cfg.SQLitePath, logger, opts...)

	case DriverRedis:
		client := NewRedisClient(cfg)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
		}
		return NewRedisStore(client, cfg.RedisPrefix, logger, opts...), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDriver, cfg.Driver)
	}
}

// NewRedisClient builds a client from cfg. It is shared with the Redis
// delivery broker.
func NewRedisClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}
