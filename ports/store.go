package ports

import (
	"context"
	"time"

	"github.com/chainpass/wcsap/core"
)

// ChallengeStore persists single-use challenge records. Consume is the only
// mutation and must be atomic: under concurrent invocation with the same id,
// exactly one caller observes success.
type ChallengeStore interface {
	// PutChallenge stores a challenge in state issued with the given TTL.
	PutChallenge(ctx context.Context, challenge *core.Challenge, ttl time.Duration) error

	// ConsumeChallenge atomically transitions the challenge from issued to
	// consumed and returns it. Fails with core.ErrChallengeNotFound,
	// core.ErrChallengeExpired or core.ErrChallengeAlreadyConsumed.
	ConsumeChallenge(ctx context.Context, id string) (*core.Challenge, error)

	// CountOutstanding returns the number of un-expired issued challenges
	// for a wallet address.
	CountOutstanding(ctx context.Context, address string) (int, error)
}

// SessionStore persists refresh-token generations and the revocation
// denylist. RotateSession must be an atomic compare-and-swap on the session
// state so concurrent refreshes of the same token yield exactly one success.
type SessionStore interface {
	// PutSession stores a session record with the given TTL.
	PutSession(ctx context.Context, session *core.Session, ttl time.Duration) error

	// GetSessionByRefreshHash looks up a session by the hash of its refresh
	// token. Returns core.ErrSessionNotFound if absent.
	GetSessionByRefreshHash(ctx context.Context, hash string) (*core.Session, error)

	// GetSession looks up a session by id.
	GetSession(ctx context.Context, id string) (*core.Session, error)

	// RotateSession atomically transitions the session from active to
	// rotated. Returns core.ErrReuseDetected if the session was already
	// rotated, core.ErrSessionRevoked if revoked.
	RotateSession(ctx context.Context, id string) error

	// RevokeFamily marks every session in the family revoked and records
	// the family on the denylist for the given TTL.
	RevokeFamily(ctx context.Context, familyID string, ttl time.Duration) error

	// RevokeSession marks a single session revoked and records its id on
	// the denylist for the given TTL.
	RevokeSession(ctx context.Context, id string, ttl time.Duration) error

	// IsRevoked reports whether a session id or its family is denylisted.
	IsRevoked(ctx context.Context, id, familyID string) (bool, error)
}

// Counter provides TTL-bucketed atomic counters for rate limiting. The
// increment and the limit check happen in one round trip so concurrent
// callers cannot overshoot the limit by more than one.
type Counter interface {
	// IncrementAndCheck atomically increments the counter for key, starting
	// a window of the given duration on first increment, and reports
	// whether the post-increment count is within limit. The remaining
	// window duration is returned for retry-after hints.
	IncrementAndCheck(ctx context.Context, key string, window time.Duration, limit int64) (allowed bool, retryAfter time.Duration, err error)

	// SetFlag sets a boolean flag (e.g. a lockout marker) with a TTL.
	SetFlag(ctx context.Context, key string, ttl time.Duration) error

	// HasFlag reports whether the flag is currently set.
	HasFlag(ctx context.Context, key string) (bool, error)

	// ClearFlag removes the flag. Clearing an absent flag is a no-op.
	ClearFlag(ctx context.Context, key string) error

	// FlagTTL returns the remaining lifetime of the flag, or zero if it
	// is not set.
	FlagTTL(ctx context.Context, key string) (time.Duration, error)
}

// HistoryStore keeps the per-wallet login history the risk engine draws its
// signals from: last successful login with geolocation, the set of device
// fingerprints seen on successful logins, and a TTL'd failure counter.
type HistoryStore interface {
	// RecordLogin stores the successful login as the wallet's most recent
	// one and remembers its fingerprint.
	RecordLogin(ctx context.Context, address string, record core.LoginRecord) error

	// LastLogin returns the most recent successful login, or nil if the
	// wallet has none on record.
	LastLogin(ctx context.Context, address string) (*core.LoginRecord, error)

	// KnownFingerprint reports whether the fingerprint was seen on a
	// previous successful login for this wallet.
	KnownFingerprint(ctx context.Context, address, fingerprint string) (bool, error)

	// RecordFailure increments the wallet's failed-attempt counter,
	// arming the lookback window on first failure.
	RecordFailure(ctx context.Context, address string, window time.Duration) error

	// FailureCount returns the current failed-attempt count.
	FailureCount(ctx context.Context, address string) (int64, error)
}

// Clock abstracts time so expiry paths are deterministic under test.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
