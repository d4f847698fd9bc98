package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainpass/wcsap/core"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestChallenge(clock *fakeClock, id, address string) *core.Challenge {
	now := clock.Now()
	return &core.Challenge{
		ID:        id,
		Address:   address,
		Nonce:     "6e6f6e6365",
		Message:   "sign me",
		IssuedAt:  now,
		ExpiresAt: now.Add(2 * time.Minute),
		State:     core.ChallengeIssued,
	}
}

func TestConsumeChallengeSingleUse(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := NewMemoryStore(clock)
	ctx := context.Background()

	require.NoError(t, s.PutChallenge(ctx, newTestChallenge(clock, "c1", "0xA"), 2*time.Minute))

	var successes atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeChallenge(ctx, "c1"); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, successes.Load(), "exactly one consume may succeed")

	_, err := s.ConsumeChallenge(ctx, "c1")
	assert.ErrorIs(t, err, core.ErrChallengeAlreadyConsumed)
}

func TestConsumeChallengeExpired(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := NewMemoryStore(clock)
	ctx := context.Background()

	require.NoError(t, s.PutChallenge(ctx, newTestChallenge(clock, "c1", "0xA"), 2*time.Minute))
	clock.Advance(3 * time.Minute)

	_, err := s.ConsumeChallenge(ctx, "c1")
	assert.ErrorIs(t, err, core.ErrChallengeExpired)
}

func TestConsumeChallengeNotFound(t *testing.T) {
	s := NewMemoryStore(&fakeClock{now: time.Now()})

	_, err := s.ConsumeChallenge(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrChallengeNotFound)
}

func TestCountOutstanding(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := NewMemoryStore(clock)
	ctx := context.Background()

	require.NoError(t, s.PutChallenge(ctx, newTestChallenge(clock, "c1", "0xA"), 2*time.Minute))
	require.NoError(t, s.PutChallenge(ctx, newTestChallenge(clock, "c2", "0xA"), 2*time.Minute))
	require.NoError(t, s.PutChallenge(ctx, newTestChallenge(clock, "c3", "0xB"), 2*time.Minute))

	n, err := s.CountOutstanding(ctx, "0xA")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.ConsumeChallenge(ctx, "c1")
	require.NoError(t, err)

	n, err = s.CountOutstanding(ctx, "0xA")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	clock.Advance(3 * time.Minute)
	n, err = s.CountOutstanding(ctx, "0xA")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func newTestSession(clock *fakeClock, id, family, hash string) *core.Session {
	now := clock.Now()
	return &core.Session{
		ID:               id,
		Address:          "0xA",
		FamilyID:         family,
		RefreshTokenHash: hash,
		AccessExpiry:     now.Add(15 * time.Minute),
		RefreshExpiry:    now.Add(24 * time.Hour),
		State:            core.SessionActive,
		CreatedAt:        now,
	}
}

func TestRotateSessionReuse(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := NewMemoryStore(clock)
	ctx := context.Background()

	require.NoError(t, s.PutSession(ctx, newTestSession(clock, "s1", "f1", "h1"), time.Hour))

	require.NoError(t, s.RotateSession(ctx, "s1"))
	assert.ErrorIs(t, s.RotateSession(ctx, "s1"), core.ErrReuseDetected)
}

func TestRotateSessionConcurrent(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := NewMemoryStore(clock)
	ctx := context.Background()

	require.NoError(t, s.PutSession(ctx, newTestSession(clock, "s1", "f1", "h1"), time.Hour))

	var successes atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.RotateSession(ctx, "s1"); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, successes.Load(), "exactly one rotation may succeed")
}

func TestRevokeFamily(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := NewMemoryStore(clock)
	ctx := context.Background()

	require.NoError(t, s.PutSession(ctx, newTestSession(clock, "s1", "f1", "h1"), time.Hour))
	require.NoError(t, s.PutSession(ctx, newTestSession(clock, "s2", "f1", "h2"), time.Hour))

	require.NoError(t, s.RevokeFamily(ctx, "f1", time.Hour))

	revoked, err := s.IsRevoked(ctx, "s1", "f1")
	require.NoError(t, err)
	assert.True(t, revoked)

	assert.ErrorIs(t, s.RotateSession(ctx, "s2"), core.ErrSessionRevoked)
}

func TestGetSessionByRefreshHash(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := NewMemoryStore(clock)
	ctx := context.Background()

	require.NoError(t, s.PutSession(ctx, newTestSession(clock, "s1", "f1", "h1"), time.Hour))

	sess, err := s.GetSessionByRefreshHash(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "s1", sess.ID)

	_, err = s.GetSessionByRefreshHash(ctx, "nope")
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestIncrementAndCheck(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := NewMemoryStore(clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, _, err := s.IncrementAndCheck(ctx, "k", time.Minute, 5)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be allowed", i+1)
	}

	allowed, retryAfter, err := s.IncrementAndCheck(ctx, "k", time.Minute, 5)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))

	// Window reset clears the counter.
	clock.Advance(2 * time.Minute)
	allowed, _, err = s.IncrementAndCheck(ctx, "k", time.Minute, 5)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestFlags(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := NewMemoryStore(clock)
	ctx := context.Background()

	set, err := s.HasFlag(ctx, "lock")
	require.NoError(t, err)
	assert.False(t, set)

	require.NoError(t, s.SetFlag(ctx, "lock", 15*time.Minute))

	set, err = s.HasFlag(ctx, "lock")
	require.NoError(t, err)
	assert.True(t, set)

	clock.Advance(16 * time.Minute)
	set, err = s.HasFlag(ctx, "lock")
	require.NoError(t, err)
	assert.False(t, set)
}

func TestFlagTTLCountsDown(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := NewMemoryStore(clock)
	ctx := context.Background()

	remaining, err := s.FlagTTL(ctx, "lock")
	require.NoError(t, err)
	assert.Zero(t, remaining)

	require.NoError(t, s.SetFlag(ctx, "lock", 15*time.Minute))

	clock.Advance(5 * time.Minute)
	remaining, err = s.FlagTTL(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, remaining)

	clock.Advance(11 * time.Minute)
	remaining, err = s.FlagTTL(ctx, "lock")
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestClearFlag(t *testing.T) {
	s := NewMemoryStore(&fakeClock{now: time.Now()})
	ctx := context.Background()

	require.NoError(t, s.SetFlag(ctx, "marker", time.Minute))
	require.NoError(t, s.ClearFlag(ctx, "marker"))

	set, err := s.HasFlag(ctx, "marker")
	require.NoError(t, err)
	assert.False(t, set)

	// Clearing an absent flag is a no-op.
	assert.NoError(t, s.ClearFlag(ctx, "marker"))
}
