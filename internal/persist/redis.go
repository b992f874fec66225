package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig configures a Redis-backed store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// SessionTTL bounds session-scoped keys. Durable keys never expire.
	SessionTTL time.Duration `yaml:"session_ttl"`
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:       "localhost:6379",
		SessionTTL: 30 * time.Minute,
	}
}

// Redis is a Store over one key prefix of a Redis database.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedis wraps an existing client. A ttl of zero means keys never expire.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "persist"), zap.String("prefix", prefix)),
	}
}

// OpenRedis connects to Redis and checks the connection.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// RedisScopes returns durable and session scopes on client under
// "fg:<namespace>". Distinct namespaces never see each other's keys.
func RedisScopes(client *redis.Client, namespace string, sessionTTL time.Duration, logger *zap.Logger) Scopes {
	prefix := "fg:"
	if namespace != "" {
		prefix += namespace + ":"
	}
	return Scopes{
		Durable: NewRedis(client, prefix+"durable:", 0, logger),
		Session: NewRedis(client, prefix+"session:", sessionTTL, logger),
	}
}

// OpenRedisScopes connects to Redis and returns durable and session scopes
// sharing one client. The returned close func releases the client.
func OpenRedisScopes(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (Scopes, func() error, error) {
	client, err := OpenRedis(ctx, cfg)
	if err != nil {
		return Scopes{}, nil, err
	}
	return RedisScopes(client, "", cfg.SessionTTL, logger), client.Close, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		r.logger.Warn("redis get failed", zap.String("key", key), zap.Error(err))
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, r.prefix+key, value, r.ttl).Err(); err != nil {
		r.logger.Warn("redis set failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}
