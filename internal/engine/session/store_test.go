package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"nlcqe-workers/internal/common/errors"
	"nlcqe-workers/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

func turn(i int) models.ConversationTurn {
	return models.ConversationTurn{
		ID:        fmt.Sprintf("turn-%d", i),
		Role:      models.TurnUser,
		Text:      fmt.Sprintf("رسالة %d", i),
		Timestamp: time.Date(2026, 3, 15, 10, 0, i, 0, time.UTC),
	}
}

func newRedisStore(t *testing.T, max int) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, max, time.Hour), mr
}

// exerciseStore runs the behaviour every Store must share.
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	for i := 0; i < 35; i++ {
		require.NoError(t, s.Append(ctx, "t-1", "u-1", turn(i)))
	}
	require.NoError(t, s.Append(ctx, "t-2", "u-1", turn(100)))

	h, err := s.History(ctx, "t-1", "u-1")
	require.NoError(t, err)
	require.Len(t, h, DefaultMaxTurns)
	assert.Equal(t, "turn-5", h[0].ID, "oldest turns are evicted first")
	assert.Equal(t, "turn-34", h[len(h)-1].ID)

	other, err := s.History(ctx, "t-2", "u-1")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "turn-100", other[0].ID, "same user id in another tenant is a different history")

	require.NoError(t, s.Clear(ctx, "t-1", "u-1"))
	h, err = s.History(ctx, "t-1", "u-1")
	require.NoError(t, err)
	assert.Empty(t, h)

	other, err = s.History(ctx, "t-2", "u-1")
	require.NoError(t, err)
	assert.Len(t, other, 1)

	// Separator characters inside ids must not merge two tenants' histories.
	require.NoError(t, s.Append(ctx, "acme:x", "u1", turn(200)))
	h, err = s.History(ctx, "acme", "x:u1")
	require.NoError(t, err)
	assert.Empty(t, h)
}

func TestKey_IsInjective(t *testing.T) {
	pairs := [][2]string{
		{"acme:x", "u1"},
		{"acme", "x:u1"},
		{"acme", "x"},
		{"1:a", "b"},
		{"1", "a:b"},
		{"", "3:t-1:u-1"},
		{"t-1", "u-1"},
	}
	seen := map[string][2]string{}
	for _, p := range pairs {
		k := Key(p[0], p[1])
		prev, dup := seen[k]
		assert.False(t, dup, "%v and %v share key %q", prev, p, k)
		seen[k] = p
	}
}

func TestKey_IsInjectiveProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("distinct (tenant, user) pairs have distinct keys", prop.ForAll(
		func(t1, u1, t2, u2 string) bool {
			if t1 == t2 && u1 == u2 {
				return true
			}
			return Key(t1, u1) != Key(t2, u2)
		},
		gen.OneConstOf("acme", "acme:x", "a", "a:", ":", ""),
		gen.OneConstOf("u1", "x:u1", ":u1", "", "1:a"),
		gen.OneConstOf("acme", "acme:x", "a", "a:", ":", ""),
		gen.OneConstOf("u1", "x:u1", ":u1", "", "1:a"),
	))

	properties.TestingRun(t)
}

// ==========================
// Memory
// ==========================

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(0))
}

func TestMemoryStore_HistoryIsACopy(t *testing.T) {
	s := NewMemoryStore(5)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "t", "u", turn(1)))

	h, _ := s.History(ctx, "t", "u")
	h[0].Text = "changed"

	again, _ := s.History(ctx, "t", "u")
	assert.Equal(t, "رسالة 1", again[0].Text)
}

func TestMemoryStore_IdleSessionsExpire(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	s := NewMemoryStore(5, WithIdleTTL(time.Hour), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "t-1", "u-1", turn(1)))
	require.NoError(t, s.Append(ctx, "t-1", "u-2", turn(2)))
	assert.Equal(t, 2, s.Len())

	now = now.Add(30 * time.Minute)
	require.NoError(t, s.Append(ctx, "t-1", "u-2", turn(3)))

	now = now.Add(45 * time.Minute)
	h, err := s.History(ctx, "t-1", "u-1")
	require.NoError(t, err)
	assert.Empty(t, h, "idle past the ttl")

	h, err = s.History(ctx, "t-1", "u-2")
	require.NoError(t, err)
	assert.Len(t, h, 2, "touched within the ttl")
}

func TestMemoryStore_SweepDropsUnreadSessions(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	s := NewMemoryStore(5, WithIdleTTL(time.Hour), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, s.Append(ctx, "t-1", fmt.Sprintf("u-%d", i), turn(i)))
	}
	assert.Equal(t, 50, s.Len())

	now = now.Add(2 * time.Hour)
	require.NoError(t, s.Append(ctx, "t-2", "u-1", turn(99)))

	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_NeverExceedsBound(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("history length is min(appended, bound) and ends with the newest turn", prop.ForAll(
		func(bound int, batches []int) bool {
			s := NewMemoryStore(bound)
			ctx := context.Background()
			n := 0
			for _, size := range batches {
				batch := make([]models.ConversationTurn, size)
				for i := range batch {
					batch[i] = turn(n)
					n++
				}
				if err := s.Append(ctx, "t", "u", batch...); err != nil {
					return false
				}
			}
			h, _ := s.History(ctx, "t", "u")
			want := n
			if want > bound {
				want = bound
			}
			if len(h) != want {
				return false
			}
			return n == 0 || h[len(h)-1].ID == fmt.Sprintf("turn-%d", n-1)
		},
		gen.IntRange(1, 40),
		gen.SliceOf(gen.IntRange(0, 8)),
	))

	properties.TestingRun(t)
}

// ==========================
// Redis
// ==========================

func TestRedisStore(t *testing.T) {
	s, _ := newRedisStore(t, 0)
	exerciseStore(t, s)
}

func TestRedisStore_KeyAndExpiry(t *testing.T) {
	s, mr := newRedisStore(t, 3)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "t-1", "u-1", turn(1), turn(2)))

	key := redisKeyPrefix + "3:t-1:u-1"
	assert.True(t, mr.Exists(key))
	assert.Equal(t, time.Hour, mr.TTL(key))

	h, err := s.History(ctx, "t-1", "u-1")
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, "رسالة 1", h[0].Text)
	assert.Equal(t, models.TurnUser, h[0].Role)

	mr.FastForward(2 * time.Hour)
	h, err = s.History(ctx, "t-1", "u-1")
	require.NoError(t, err)
	assert.Empty(t, h)
}

func TestRedisStore_AppendFailure(t *testing.T) {
	s, mr := newRedisStore(t, 3)
	mr.Close()

	err := s.Append(context.Background(), "t-1", "u-1", turn(1))

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeSessionStoreFailed))
}

func TestRedisStore_ReadAndClearFailures(t *testing.T) {
	client, mock := redismock.NewClientMock()
	key := redisKeyPrefix + "3:t-1:u-1"
	mock.ExpectLRange(key, 0, -1).SetErr(stderrors.New("connection reset"))
	mock.ExpectDel(key).SetErr(stderrors.New("connection reset"))
	s := NewRedisStore(client, 3, time.Hour)

	_, err := s.History(context.Background(), "t-1", "u-1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeSessionStoreFailed))

	err = s.Clear(context.Background(), "t-1", "u-1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeSessionStoreFailed))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_CorruptEntry(t *testing.T) {
	s, mr := newRedisStore(t, 3)
	_, err := mr.Push(redisKeyPrefix+Key("t-1", "u-1"), "{not json")
	require.NoError(t, err)

	_, err = s.History(context.Background(), "t-1", "u-1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeSessionStoreFailed))
}
