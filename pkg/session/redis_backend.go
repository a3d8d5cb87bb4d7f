package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds how often Create re-runs after losing a WATCH race.
const maxTxRetries = 3

// RedisBackend implements Store using Redis.
// It provides distributed session storage suitable for multi-node deployments.
// Uniqueness and optimistic concurrency use WATCH/MULTI transactions.
type RedisBackend struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	mu        sync.RWMutex
	closed    bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all session keys (default: "coachflow:session:").
	Prefix string
	// Retention is the record expiry refreshed on every write (0 = never expire).
	Retention time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisBackend creates a new Redis storage backend.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisBackendFromClient(client, cfg.Prefix, cfg.Retention), nil
}

// NewRedisBackendFromClient creates a Redis backend from an existing client.
// This is useful for testing with miniredis.
func NewRedisBackendFromClient(client *redis.Client, prefix string, retention time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = "coachflow:session:"
	}
	return &RedisBackend{
		client:    client,
		prefix:    prefix,
		retention: retention,
	}
}

// Key helpers
func (b *RedisBackend) sessionKey(sessionID string) string {
	return b.prefix + "data:" + sessionID
}

// openKey holds the id of the open session for a tenant and topic.
func (b *RedisBackend) openKey(tenantID, topicID string) string {
	return b.prefix + "open:" + tenantID + ":" + topicID
}

// openSetKey indexes every open session id for sweeping.
func (b *RedisBackend) openSetKey() string {
	return b.prefix + "open-set"
}

func (b *RedisBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// getter is the subset of *redis.Client and *redis.Tx used for reads.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (b *RedisBackend) load(ctx context.Context, c getter, id string) (*Session, error) {
	data, err := c.Get(ctx, b.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

// Create persists a new session unless the topic already has an open one.
func (b *RedisBackend) Create(ctx context.Context, s *Session) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	openKey := b.openKey(s.TenantID(), s.TopicID())
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		var conflict *Session
		err := b.client.Watch(ctx, func(tx *redis.Tx) error {
			existingID, err := tx.Get(ctx, openKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("get open key: %w", err)
			}
			if existingID != "" {
				existing, err := b.load(ctx, tx, existingID)
				switch {
				case err == nil && existing.Status().IsOpen():
					conflict = existing
					return nil
				case err != nil && !errors.Is(err, ErrSessionNotFound):
					return err
				}
				// Stale pointer to a closed or expired record; take it over.
			}

			s.r.Version = 1
			data, err := json.Marshal(s)
			if err != nil {
				return fmt.Errorf("marshal session: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, b.sessionKey(s.ID()), data, b.retention)
				pipe.Set(ctx, openKey, s.ID(), b.retention)
				pipe.SAdd(ctx, b.openSetKey(), s.ID())
				return nil
			})
			return err
		}, openKey)

		switch {
		case errors.Is(err, redis.TxFailedErr):
			log.Printf("[RedisStore] create race on %s, retrying", openKey)
			continue
		case err != nil:
			s.r.Version = 0
			return fmt.Errorf("create session: %w", err)
		case conflict != nil:
			s.r.Version = 0
			return &CreateConflictError{Existing: conflict}
		}
		return nil
	}
	s.r.Version = 0
	return fmt.Errorf("create session: %w", ErrVersionConflict)
}

// Save writes s if its version matches the stored record.
func (b *RedisBackend) Save(ctx context.Context, s *Session) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	key := b.sessionKey(s.ID())
	openKey := b.openKey(s.TenantID(), s.TopicID())
	expected := s.Version()

	err := b.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := b.load(ctx, tx, s.ID())
		if err != nil {
			return err
		}
		if current.Version() != expected {
			return ErrVersionConflict
		}
		owner, err := tx.Get(ctx, openKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("get open key: %w", err)
		}

		s.r.Version = expected + 1
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, b.retention)
			switch {
			case s.Status().IsOpen() && (owner == s.ID() || owner == ""):
				// The open pointer must live as long as the record it guards.
				pipe.Set(ctx, openKey, s.ID(), b.retention)
			case !s.Status().IsOpen():
				pipe.SRem(ctx, b.openSetKey(), s.ID())
				if owner == s.ID() {
					pipe.Del(ctx, openKey)
				}
			}
			return nil
		})
		return err
	}, key, openKey)

	if err != nil {
		s.r.Version = expected
		if errors.Is(err, redis.TxFailedErr) {
			return ErrVersionConflict
		}
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrSessionNotFound) {
			return err
		}
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetByID loads a session within a tenant.
func (b *RedisBackend) GetByID(ctx context.Context, id, tenantID string) (*Session, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	s, err := b.load(ctx, b.client, id)
	if err != nil {
		return nil, err
	}
	if s.TenantID() != tenantID {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// GetActiveForTenantTopic follows the open pointer for a topic.
func (b *RedisBackend) GetActiveForTenantTopic(ctx context.Context, tenantID, topicID string) (*Session, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	id, err := b.client.Get(ctx, b.openKey(tenantID, topicID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get open key: %w", err)
	}
	s, err := b.load(ctx, b.client, id)
	if err != nil {
		return nil, err
	}
	if !s.Status().IsOpen() || s.TenantID() != tenantID {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// GetActiveForUserTopic returns the open session for a topic if userID owns it.
func (b *RedisBackend) GetActiveForUserTopic(ctx context.Context, userID, topicID, tenantID string) (*Session, error) {
	s, err := b.GetActiveForTenantTopic(ctx, tenantID, topicID)
	if err != nil {
		return nil, err
	}
	if s.UserID() != userID {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// ListSweepCandidates walks the open-session set.
func (b *RedisBackend) ListSweepCandidates(ctx context.Context, now time.Time, limit int) ([]*Session, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := b.client.SMembers(ctx, b.openSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	// Redis sets are unordered
	sort.Strings(ids)

	var out []*Session
	for _, id := range ids {
		s, err := b.load(ctx, b.client, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				// Record expired under retention, clean up index
				b.client.SRem(ctx, b.openSetKey(), id)
				continue
			}
			return nil, err
		}
		if !isSweepCandidate(s, now) {
			continue
		}
		out = append(out, s)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Close releases resources held by the backend.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	return b.client.Close()
}

// Ping checks if the Redis connection is alive.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.client.Ping(ctx).Err()
}
