package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "lvreader:article:"

// redisStore keeps each article as a JSON string under its own key.
type redisStore struct {
	client *redis.Client
	clock  storeClock
	logger *slog.Logger
}

func openRedisStore(ctx context.Context, rawURL string, logger *slog.Logger) (*redisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing redis URL: %w", ErrPersistence, err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: connecting to redis at %s: %w", ErrPersistence, opts.Addr, err)
	}
	logger.Info("article cache opened", "backend", "redis", "addr", opts.Addr, "db", opts.DB)
	return newRedisStore(client, logger), nil
}

func newRedisStore(client *redis.Client, logger *slog.Logger) *redisStore {
	return &redisStore{client: client, logger: logger}
}

func redisKey(id string) string {
	return redisKeyPrefix + id
}

func (s *redisStore) lookup(ctx context.Context, id string) (*Article, error) {
	data, err := s.client.Get(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lookup %s: %w", ErrPersistence, id, err)
	}

	var a Article
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %w", ErrPersistence, id, err)
	}
	return &a, nil
}

// upsert relies on SET replacing the whole value atomically; no expiry is set.
func (s *redisStore) upsert(ctx context.Context, a *Article) error {
	a.Timestamp = s.clock.now()
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("%w: encoding %s: %w", ErrPersistence, a.ID, err)
	}
	if err := s.client.Set(ctx, redisKey(a.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: upsert %s: %w", ErrPersistence, a.ID, err)
	}
	s.logger.Debug("article cached", "backend", "redis", "source", a.Source, "article_id", a.ID)
	return nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
