package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "session:"

// RedisStore keeps sessions in Redis: a hash per session plus a list of turns.
// Keys carry no TTL; sessions live until deleted by an operator.
type RedisStore struct {
	client *redis.Client
}

// OpenRedis connects to addr and verifies the connection.
func OpenRedis(ctx context.Context, addr string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) metaKey(id string) string  { return sessionKeyPrefix + id }
func (s *RedisStore) turnsKey(id string) string { return sessionKeyPrefix + id + ":turns" }

// Reset implements Store.
func (s *RedisStore) Reset(ctx context.Context, id string, createdAt time.Time) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.turnsKey(id))
		pipe.HSet(ctx, s.metaKey(id), "created_at", createdAt.UTC().Format(time.RFC3339Nano))
		return nil
	})
	return err
}

// Exists implements Store.
func (s *RedisStore) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.metaKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Append implements Store.
func (s *RedisStore) Append(ctx context.Context, id string, turn Turn) error {
	ok, err := s.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownSession
	}
	val, err := json.Marshal(turn)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.turnsKey(id), val).Err()
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, id string) (*Session, error) {
	created, err := s.client.HGet(ctx, s.metaKey(id), "created_at").Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUnknownSession
	}
	if err != nil {
		return nil, err
	}
	sess := &Session{ID: id}
	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	vals, err := s.client.LRange(ctx, s.turnsKey(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		var t Turn
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, err
		}
		sess.Turns = append(sess.Turns, t)
	}
	return sess, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
