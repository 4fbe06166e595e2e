// Package session keeps the recent conversation of each (tenant, user) pair.
// Histories are bounded and the oldest turns are evicted first.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"nlcqe-workers/internal/common/errors"
	"nlcqe-workers/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultMaxTurns = 30
	DefaultTTL      = 24 * time.Hour

	redisKeyPrefix = "nlcqe:session:"
)

// Store is safe for concurrent use. Failures are reported as
// SESSION_STORE_FAILED errors.
type Store interface {
	Append(ctx context.Context, tenant, user string, turns ...models.ConversationTurn) error
	History(ctx context.Context, tenant, user string) ([]models.ConversationTurn, error)
	Clear(ctx context.Context, tenant, user string) error
}

// Key scopes a history to one user inside one tenant. The tenant is length
// prefixed so no pair of ids, whatever characters they hold, shares a key.
func Key(tenant, user string) string {
	return fmt.Sprintf("%d:%s:%s", len(tenant), tenant, user)
}

// ==========================
// Memory
// ==========================

const sweepInterval = time.Minute

type memorySession struct {
	turns []models.ConversationTurn
	seen  time.Time
}

// MemoryStore keeps histories in process. Like RedisStore, a history idle for
// longer than the ttl is dropped; expired sessions are swept on append.
type MemoryStore struct {
	mu        sync.Mutex
	max       int
	ttl       time.Duration
	now       func() time.Time
	lastSweep time.Time
	sessions  map[string]*memorySession
}

type MemoryOption func(*MemoryStore)

func WithIdleTTL(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.ttl = d
		}
	}
}

func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(maxTurns int, opts ...MemoryOption) *MemoryStore {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	s := &MemoryStore{
		max:      maxTurns,
		ttl:      DefaultTTL,
		now:      time.Now,
		sessions: map[string]*memorySession{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Append(_ context.Context, tenant, user string, turns ...models.ConversationTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweep(now)

	key := Key(tenant, user)
	sess := s.live(key, now)
	if sess == nil {
		sess = &memorySession{}
		s.sessions[key] = sess
	}
	h := append(sess.turns, turns...)
	if over := len(h) - s.max; over > 0 {
		h = append([]models.ConversationTurn(nil), h[over:]...)
	}
	sess.turns = h
	sess.seen = now
	return nil
}

func (s *MemoryStore) History(_ context.Context, tenant, user string) ([]models.ConversationTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.live(Key(tenant, user), s.now())
	if sess == nil {
		return []models.ConversationTurn{}, nil
	}
	out := make([]models.ConversationTurn, len(sess.turns))
	copy(out, sess.turns)
	return out, nil
}

func (s *MemoryStore) Clear(_ context.Context, tenant, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, Key(tenant, user))
	return nil
}

// Len reports how many sessions are held, expired ones not yet swept included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// live returns the session under key, dropping it when idle past the ttl.
// Callers hold mu.
func (s *MemoryStore) live(key string, now time.Time) *memorySession {
	sess, ok := s.sessions[key]
	if !ok {
		return nil
	}
	if now.Sub(sess.seen) >= s.ttl {
		delete(s.sessions, key)
		return nil
	}
	return sess
}

// sweep drops every idle session, at most once per sweepInterval. Callers
// hold mu.
func (s *MemoryStore) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.lastSweep = now
	for key, sess := range s.sessions {
		if now.Sub(sess.seen) >= s.ttl {
			delete(s.sessions, key)
		}
	}
}

// ==========================
// Redis
// ==========================

// RedisStore keeps each history as a list of JSON turns, trimmed to the
// newest maxTurns and expired after ttl of inactivity.
type RedisStore struct {
	client redis.Cmdable
	max    int
	ttl    time.Duration
}

func NewRedisStore(client redis.Cmdable, maxTurns int, ttl time.Duration) *RedisStore {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, max: maxTurns, ttl: ttl}
}

func redisKey(tenant, user string) string {
	return redisKeyPrefix + Key(tenant, user)
}

func (s *RedisStore) Append(ctx context.Context, tenant, user string, turns ...models.ConversationTurn) error {
	if len(turns) == 0 {
		return nil
	}
	values := make([]interface{}, len(turns))
	for i, t := range turns {
		raw, err := json.Marshal(t)
		if err != nil {
			return errors.NewSessionStoreFailedError(fmt.Errorf("encode turn: %w", err))
		}
		values[i] = raw
	}

	key := redisKey(tenant, user)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	pipe.LTrim(ctx, key, int64(-s.max), -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.NewSessionStoreFailedError(err)
	}
	return nil
}

func (s *RedisStore) History(ctx context.Context, tenant, user string) ([]models.ConversationTurn, error) {
	raw, err := s.client.LRange(ctx, redisKey(tenant, user), 0, -1).Result()
	if err != nil {
		return nil, errors.NewSessionStoreFailedError(err)
	}
	out := make([]models.ConversationTurn, 0, len(raw))
	for _, r := range raw {
		var t models.ConversationTurn
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			return nil, errors.NewSessionStoreFailedError(fmt.Errorf("decode turn: %w", err))
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *RedisStore) Clear(ctx context.Context, tenant, user string) error {
	if err := s.client.Del(ctx, redisKey(tenant, user)).Err(); err != nil {
		return errors.NewSessionStoreFailedError(err)
	}
	return nil
}
