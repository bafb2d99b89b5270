package statestore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the shared store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore implements Store on a redis server.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	s := &RedisStore{client: client}
	if err := s.Ping(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	return fields, nil
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	if err := s.client.HSet(ctx, key, args).Err(); err != nil {
		return wrapRedisErr(err)
	}
	return nil
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, key, fields...).Err(); err != nil {
		return wrapRedisErr(err)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return wrapRedisErr(err)
	}
	return nil
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := s.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	return keys, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return wrapRedisErr(err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, channels...)

	// Force the subscribe round-trip so connection failures surface here
	// instead of on the first receive.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, wrapRedisErr(err)
	}

	return &redisSubscription{pubsub: pubsub}, nil
}

func (s *RedisStore) RPush(ctx context.Context, queue string, payload []byte) error {
	if err := s.client.RPush(ctx, queue, payload).Err(); err != nil {
		return wrapRedisErr(err)
	}
	return nil
}

func (s *RedisStore) BLPop(ctx context.Context, timeout time.Duration, queues ...string) (string, []byte, error) {
	res, err := s.client.BLPop(ctx, timeout, queues...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil, ErrNoMessage
		}
		return "", nil, wrapRedisErr(err)
	}
	if len(res) != 2 {
		return "", nil, fmt.Errorf("%w: unexpected BLPOP reply of length %d", ErrStoreUnavailable, len(res))
	}
	return res[0], []byte(res[1]), nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return wrapRedisErr(err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
}

func (r *redisSubscription) Receive(ctx context.Context, timeout time.Duration) (*Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrNoMessage
		}

		raw, err := r.pubsub.ReceiveTimeout(ctx, remaining)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, ErrNoMessage
			}
			if errors.Is(err, redis.ErrClosed) {
				return nil, ErrSubscriptionClosed
			}
			return nil, wrapRedisErr(err)
		}

		switch msg := raw.(type) {
		case *redis.Message:
			return &Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}, nil
		default:
			// Subscription confirmations and pongs are not payloads.
			continue
		}
	}
}

func (r *redisSubscription) Close() error {
	return r.pubsub.Close()
}

func wrapRedisErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
