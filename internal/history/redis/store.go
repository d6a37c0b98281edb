// Package redis stores per-chat conversation history in Redis lists.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/observability"
)

const keyPrefix = "markl:history:"

// Config contains Redis connection and retention settings.
type Config struct {
	Addr      string        `env:"REDIS_ADDR"`
	Password  string        `env:"REDIS_PASSWORD"`
	DB        int           `env:"REDIS_DB"           envDefault:"0"`
	MaxStored int           `env:"HISTORY_MAX_STORED" envDefault:"100"`
	TTL       time.Duration `env:"HISTORY_TTL"        envDefault:"720h"`
}

// Enabled reports whether a Redis address is configured.
func (c *Config) Enabled() bool {
	return c != nil && c.Addr != ""
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg *Config) (*redis.Client, error) {
	if !cfg.Enabled() {
		return nil, errors.New("redis address is not configured")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

// Store implements domain.HistoryStore.
type Store struct {
	client    *redis.Client
	maxStored int64
	ttl       time.Duration
}

// NewStore creates a history store on top of an existing client.
func NewStore(client *redis.Client, cfg *Config) *Store {
	s := &Store{
		client:    client,
		maxStored: 100,
		ttl:       720 * time.Hour,
	}

	if cfg != nil {
		if cfg.MaxStored > 0 {
			s.maxStored = int64(cfg.MaxStored)
		}
		if cfg.TTL > 0 {
			s.ttl = cfg.TTL
		}
	}

	return s
}

// Key returns the list key of a chat.
func Key(chatID int64) string {
	return keyPrefix + strconv.FormatInt(chatID, 10)
}

// FetchRecentTurns returns up to limit turns, oldest first.
func (s *Store) FetchRecentTurns(ctx context.Context, chatID int64, limit int) ([]domain.HistoryTurn, error) {
	if limit <= 0 {
		return []domain.HistoryTurn{}, nil
	}

	logger := observability.FromContext(ctx)

	raw, err := s.client.LRange(ctx, Key(chatID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	turns := make([]domain.HistoryTurn, 0, len(raw))
	for _, item := range raw {
		var turn domain.HistoryTurn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			logger.Warn("skipping undecodable history entry", observability.Error(err))
			continue
		}
		turns = append(turns, turn)
	}

	return turns, nil
}

// AppendTurn pushes a turn, trims the list to the retention size and
// refreshes the expiry in one pipeline.
func (s *Store) AppendTurn(ctx context.Context, chatID int64, turn domain.HistoryTurn) error {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to encode history turn: %w", err)
	}

	key := Key(chatID)
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -s.maxStored, -1)
	pipe.Expire(ctx, key, s.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		observability.FromContext(ctx).Error("history append failed", observability.Error(err))
		return fmt.Errorf("failed to append history: %w", err)
	}

	return nil
}

// Clear removes the stored history of a chat.
func (s *Store) Clear(ctx context.Context, chatID int64) error {
	if err := s.client.Del(ctx, Key(chatID)).Err(); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}
