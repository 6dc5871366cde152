package sessioncache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStoreConfig holds the configuration for the Redis client.
type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces the store's keys so the same Redis database can
	// serve other workloads. Defaults to "session:".
	KeyPrefix string
}

// replaceScript performs the conditional replace atomically server-side: it
// verifies the stored version, rewrites the hash fields, and restarts the key
// TTL in one step. An empty TTL argument clears the countdown entirely.
// Returns -1 when the key is absent, 0 on a version mismatch, 1 on success.
var replaceScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if current == false then
  return -1
end
if current ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'content', ARGV[2], 'version', ARGV[3])
if ARGV[4] == '' then
  redis.call('HDEL', KEYS[1], 'ttl')
  redis.call('PERSIST', KEYS[1])
else
  redis.call('HSET', KEYS[1], 'ttl', ARGV[4])
  redis.call('EXPIRE', KEYS[1], ARGV[4])
end
return 1
`)

// RedisStore implements SessionStore on Redis, one hash per session with
// content, version, and ttl fields. Expiry rides on Redis's native key TTL,
// and versions are fresh UUIDs minted on every write.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    zerolog.Logger
}

// NewRedisStore creates and connects a new RedisStore. It pings the Redis
// server to ensure connectivity before returning.
func NewRedisStore(ctx context.Context, cfg *RedisStoreConfig, logger zerolog.Logger) (*RedisStore, error) {
	if cfg == nil {
		return nil, errors.New("redis store config cannot be nil")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "session:"
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	return &RedisStore{
		client:    rdb,
		keyPrefix: keyPrefix,
		logger:    logger.With().Str("component", "RedisStore").Logger(),
	}, nil
}

// Read fetches the session hash under key. Redis deletes expired keys itself,
// so an expired session simply comes back as absent.
func (s *RedisStore) Read(ctx context.Context, key string) (*Session, Version, error) {
	fields, err := s.client.HGetAll(ctx, s.keyPrefix+key).Result()
	if err != nil {
		return nil, "", fmt.Errorf("redis HGETALL for %s: %w", key, err)
	}
	// HGETALL reports a missing key as an empty map, not redis.Nil.
	if len(fields) == 0 {
		return nil, "", ErrNotFound
	}

	version, ok := fields["version"]
	if !ok {
		return nil, "", fmt.Errorf("session %s is missing its version field", key)
	}
	session := &Session{
		Key:     key,
		Content: []byte(fields["content"]),
	}
	if raw, ok := fields["ttl"]; ok {
		ttl, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("session %s has malformed ttl %q: %w", key, raw, err)
		}
		session.TTLSeconds = &ttl
	}
	return session, Version(version), nil
}

// Write replaces the session hash if it still carries the expected version,
// restarting the key's TTL countdown from now.
func (s *RedisStore) Write(ctx context.Context, session *Session, expected Version) error {
	ttlArg := ""
	if session.TTLSeconds != nil {
		ttlArg = strconv.FormatInt(*session.TTLSeconds, 10)
	}

	result, err := replaceScript.Run(ctx, s.client,
		[]string{s.keyPrefix + session.Key},
		string(expected), string(session.Content), uuid.NewString(), ttlArg,
	).Int()
	if err != nil {
		return fmt.Errorf("redis conditional replace for %s: %w", session.Key, err)
	}
	switch result {
	case -1:
		return ErrNotFound
	case 0:
		return ErrConflict
	}
	return nil
}

// Upsert stores the session unconditionally. The existing hash is dropped
// first so stale fields and a stale countdown never leak into the new record.
func (s *RedisStore) Upsert(ctx context.Context, session *Session) error {
	redisKey := s.keyPrefix + session.Key
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisKey)
		values := []any{"content", string(session.Content), "version", uuid.NewString()}
		if session.TTLSeconds != nil {
			values = append(values, "ttl", strconv.FormatInt(*session.TTLSeconds, 10))
		}
		pipe.HSet(ctx, redisKey, values...)
		if session.TTLSeconds != nil {
			pipe.Expire(ctx, redisKey, time.Duration(*session.TTLSeconds)*time.Second)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis upsert for %s: %w", session.Key, err)
	}
	return nil
}

// Delete removes the session hash. Deleting an absent key is a no-op.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis DEL for %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	s.logger.Info().Msg("Closing Redis client connection...")
	return s.client.Close()
}
