package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chainpass/wcsap/core"
	"github.com/chainpass/wcsap/ports"
)

const (
	challengeKeyPrefix    = "wcsap:challenge:"
	challengeSetKeyPrefix = "wcsap:challenges:"
	sessionKeyPrefix      = "wcsap:session:"
	refreshHashKeyPrefix  = "wcsap:rhash:"
	familySetKeyPrefix    = "wcsap:family:"
	denySessionKeyPrefix  = "wcsap:deny:session:"
	denyFamilyKeyPrefix   = "wcsap:deny:family:"
	counterKeyPrefix      = "wcsap:counter:"
	flagKeyPrefix         = "wcsap:flag:"
)

// consumeChallengeScript performs the issued -> consumed transition as one
// atomic server-side operation. Reply codes: 0 success (with the updated
// record), 1 not found, 2 expired, 3 already consumed.
var consumeChallengeScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return {1, ''} end
local rec = cjson.decode(raw)
local now = tonumber(ARGV[1])
if now > rec.expires_at then
  redis.call('DEL', KEYS[1])
  redis.call('ZREM', ARGV[2] .. rec.address, rec.id)
  return {2, ''}
end
if rec.state ~= 'issued' then return {3, ''} end
rec.state = 'consumed'
local out = cjson.encode(rec)
local ttl = redis.call('TTL', KEYS[1])
if ttl > 0 then
  redis.call('SET', KEYS[1], out, 'EX', ttl)
else
  redis.call('SET', KEYS[1], out)
end
redis.call('ZREM', ARGV[2] .. rec.address, rec.id)
return {0, out}
`)

// rotateSessionScript performs the active -> rotated transition. Reply
// codes: 0 success, 1 not found, 2 already rotated (reuse), 3 revoked.
var rotateSessionScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 1 end
local rec = cjson.decode(raw)
if rec.state == 'rotated' then return 2 end
if rec.state == 'revoked' then return 3 end
if rec.state ~= 'active' then return 1 end
rec.state = 'rotated'
local ttl = redis.call('TTL', KEYS[1])
if ttl > 0 then
  redis.call('SET', KEYS[1], cjson.encode(rec), 'EX', ttl)
end
return 0
`)

// revokeFamilyScript denylists the family and flips every member session to
// revoked in the same script invocation.
var revokeFamilyScript = redis.NewScript(`
redis.call('SET', KEYS[1], '1', 'PX', ARGV[1])
local members = redis.call('SMEMBERS', KEYS[2])
for _, id in ipairs(members) do
  local key = ARGV[2] .. id
  local raw = redis.call('GET', key)
  if raw then
    local rec = cjson.decode(raw)
    rec.state = 'revoked'
    local ttl = redis.call('TTL', key)
    if ttl > 0 then
      redis.call('SET', key, cjson.encode(rec), 'EX', ttl)
    end
  end
end
return #members
`)

// incrementScript bumps the window counter, arming the TTL on first use.
var incrementScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`)

// RedisStore implements the challenge, session and counter ports on Redis.
// All read-modify-write operations run as Lua scripts so they are atomic
// across distributed callers.
type RedisStore struct {
	client *redis.Client
	clock  ports.Clock
}

// NewRedisStore creates a store on an existing client and verifies the
// connection.
func NewRedisStore(ctx context.Context, client *redis.Client, clock ports.Clock) (*RedisStore, error) {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisStore{client: client, clock: clock}, nil
}

type challengeRecord struct {
	ID        string `json:"id"`
	Address   string `json:"address"`
	Nonce     string `json:"nonce"`
	Message   string `json:"message"`
	Scope     string `json:"scope"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
	State     string `json:"state"`
}

func toChallengeRecord(c *core.Challenge) challengeRecord {
	return challengeRecord{
		ID:        c.ID,
		Address:   c.Address,
		Nonce:     c.Nonce,
		Message:   c.Message,
		Scope:     c.Scope,
		IssuedAt:  c.IssuedAt.Unix(),
		ExpiresAt: c.ExpiresAt.Unix(),
		State:     string(c.State),
	}
}

func (r challengeRecord) toChallenge() *core.Challenge {
	return &core.Challenge{
		ID:        r.ID,
		Address:   r.Address,
		Nonce:     r.Nonce,
		Message:   r.Message,
		Scope:     r.Scope,
		IssuedAt:  time.Unix(r.IssuedAt, 0).UTC(),
		ExpiresAt: time.Unix(r.ExpiresAt, 0).UTC(),
		State:     core.ChallengeState(r.State),
	}
}

// PutChallenge stores the record and indexes it in the wallet's outstanding
// set, scored by expiry for cheap pruning.
func (s *RedisStore) PutChallenge(ctx context.Context, challenge *core.Challenge, ttl time.Duration) error {
	payload, err := json.Marshal(toChallengeRecord(challenge))
	if err != nil {
		return fmt.Errorf("failed to encode challenge: %w", err)
	}

	setKey := challengeSetKeyPrefix + challenge.Address
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, challengeKeyPrefix+challenge.ID, payload, ttl)
	pipe.ZAdd(ctx, setKey, redis.Z{Score: float64(challenge.ExpiresAt.Unix()), Member: challenge.ID})
	pipe.Expire(ctx, setKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStoreOperationFailed, err)
	}
	return nil
}

// ConsumeChallenge runs the consume script; exactly one concurrent caller
// per id observes code 0.
func (s *RedisStore) ConsumeChallenge(ctx context.Context, id string) (*core.Challenge, error) {
	now := strconv.FormatInt(s.clock.Now().Unix(), 10)
	res, err := consumeChallengeScript.Run(ctx, s.client,
		[]string{challengeKeyPrefix + id}, now, challengeSetKeyPrefix).Slice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrStoreOperationFailed, err)
	}
	if len(res) != 2 {
		return nil, core.ErrStoreOperationFailed
	}

	code, _ := res[0].(int64)
	switch code {
	case 0:
		raw, _ := res[1].(string)
		var rec challengeRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode challenge: %w", err)
		}
		return rec.toChallenge(), nil
	case 1:
		return nil, core.ErrChallengeNotFound
	case 2:
		return nil, core.ErrChallengeExpired
	default:
		return nil, core.ErrChallengeAlreadyConsumed
	}
}

// CountOutstanding prunes expired members and counts what is left.
func (s *RedisStore) CountOutstanding(ctx context.Context, address string) (int, error) {
	setKey := challengeSetKeyPrefix + address
	now := s.clock.Now().Unix()

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, setKey, "-inf", strconv.FormatInt(now, 10))
	count := pipe.ZCard(ctx, setKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", core.ErrStoreOperationFailed, err)
	}
	return int(count.Val()), nil
}

type sessionRecord struct {
	ID               string `json:"id"`
	Address          string `json:"address"`
	FamilyID         string `json:"family_id"`
	Scope            string `json:"scope"`
	RefreshTokenHash string `json:"refresh_token_hash"`
	AccessExpiry     int64  `json:"access_expiry"`
	RefreshExpiry    int64  `json:"refresh_expiry"`
	DPoPThumbprint   string `json:"dpop_thumbprint"`
	State            string `json:"state"`
	CreatedAt        int64  `json:"created_at"`
}

func toSessionRecord(sess *core.Session) sessionRecord {
	return sessionRecord{
		ID:               sess.ID,
		Address:          sess.Address,
		FamilyID:         sess.FamilyID,
		Scope:            sess.Scope,
		RefreshTokenHash: sess.RefreshTokenHash,
		AccessExpiry:     sess.AccessExpiry.Unix(),
		RefreshExpiry:    sess.RefreshExpiry.Unix(),
		DPoPThumbprint:   sess.DPoPThumbprint,
		State:            string(sess.State),
		CreatedAt:        sess.CreatedAt.Unix(),
	}
}

func (r sessionRecord) toSession() *core.Session {
	return &core.Session{
		ID:               r.ID,
		Address:          r.Address,
		FamilyID:         r.FamilyID,
		Scope:            r.Scope,
		RefreshTokenHash: r.RefreshTokenHash,
		AccessExpiry:     time.Unix(r.AccessExpiry, 0).UTC(),
		RefreshExpiry:    time.Unix(r.RefreshExpiry, 0).UTC(),
		DPoPThumbprint:   r.DPoPThumbprint,
		State:            core.SessionState(r.State),
		CreatedAt:        time.Unix(r.CreatedAt, 0).UTC(),
	}
}

// PutSession stores the record with its refresh-hash index and family
// membership.
func (s *RedisStore) PutSession(ctx context.Context, session *core.Session, ttl time.Duration) error {
	payload, err := json.Marshal(toSessionRecord(session))
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	famKey := familySetKeyPrefix + session.FamilyID
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+session.ID, payload, ttl)
	pipe.Set(ctx, refreshHashKeyPrefix+session.RefreshTokenHash, session.ID, ttl)
	pipe.SAdd(ctx, famKey, session.ID)
	pipe.Expire(ctx, famKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStoreOperationFailed, err)
	}
	return nil
}

// GetSession returns a session by id.
func (s *RedisStore) GetSession(ctx context.Context, id string) (*core.Session, error) {
	raw, err := s.client.Get(ctx, sessionKeyPrefix+id).Result()
	if err == redis.Nil {
		return nil, core.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrStoreOperationFailed, err)
	}

	var rec sessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return rec.toSession(), nil
}

// GetSessionByRefreshHash follows the hash index to the session record.
func (s *RedisStore) GetSessionByRefreshHash(ctx context.Context, hash string) (*core.Session, error) {
	id, err := s.client.Get(ctx, refreshHashKeyPrefix+hash).Result()
	if err == redis.Nil {
		return nil, core.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrStoreOperationFailed, err)
	}
	return s.GetSession(ctx, id)
}

// RotateSession runs the rotate script; a second rotation of the same
// session reports reuse.
func (s *RedisStore) RotateSession(ctx context.Context, id string) error {
	code, err := rotateSessionScript.Run(ctx, s.client, []string{sessionKeyPrefix + id}).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrStoreOperationFailed, err)
	}
	switch code {
	case 0:
		return nil
	case 2:
		return core.ErrReuseDetected
	case 3:
		return core.ErrSessionRevoked
	default:
		return core.ErrSessionNotFound
	}
}

// RevokeFamily denylists the family and revokes every member session.
func (s *RedisStore) RevokeFamily(ctx context.Context, familyID string, ttl time.Duration) error {
	_, err := revokeFamilyScript.Run(ctx, s.client,
		[]string{denyFamilyKeyPrefix + familyID, familySetKeyPrefix + familyID},
		strconv.FormatInt(ttl.Milliseconds(), 10), sessionKeyPrefix).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrStoreOperationFailed, err)
	}
	return nil
}

// RevokeSession denylists a single session id.
func (s *RedisStore) RevokeSession(ctx context.Context, id string, ttl time.Duration) error {
	if err := s.client.Set(ctx, denySessionKeyPrefix+id, "1", ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStoreOperationFailed, err)
	}
	return nil
}

// IsRevoked checks the session and family denylist keys.
func (s *RedisStore) IsRevoked(ctx context.Context, id, familyID string) (bool, error) {
	n, err := s.client.Exists(ctx, denySessionKeyPrefix+id, denyFamilyKeyPrefix+familyID).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", core.ErrStoreOperationFailed, err)
	}
	return n > 0, nil
}

const (
	lastLoginKeyPrefix   = "wcsap:lastlogin:"
	fingerprintKeyPrefix = "wcsap:fingerprints:"
	failureKeyPrefix     = "wcsap:failures:"
)

// fingerprintRetention bounds how long seen device fingerprints and last
// login records are remembered for risk scoring.
const fingerprintRetention = 90 * 24 * time.Hour

// RecordLogin stores the wallet's most recent successful login and its
// fingerprint.
func (s *RedisStore) RecordLogin(ctx context.Context, address string, record core.LoginRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode login record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, lastLoginKeyPrefix+address, payload, fingerprintRetention)
	if record.Fingerprint != "" {
		fpKey := fingerprintKeyPrefix + address
		pipe.SAdd(ctx, fpKey, record.Fingerprint)
		pipe.Expire(ctx, fpKey, fingerprintRetention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStoreOperationFailed, err)
	}
	return nil
}

// LastLogin returns the most recent successful login, or nil.
func (s *RedisStore) LastLogin(ctx context.Context, address string) (*core.LoginRecord, error) {
	raw, err := s.client.Get(ctx, lastLoginKeyPrefix+address).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrStoreOperationFailed, err)
	}

	var record core.LoginRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("failed to decode login record: %w", err)
	}
	return &record, nil
}

// KnownFingerprint reports whether the fingerprint was seen before.
func (s *RedisStore) KnownFingerprint(ctx context.Context, address, fingerprint string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, fingerprintKeyPrefix+address, fingerprint).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", core.ErrStoreOperationFailed, err)
	}
	return ok, nil
}

// RecordFailure bumps the wallet's failed-attempt counter.
func (s *RedisStore) RecordFailure(ctx context.Context, address string, window time.Duration) error {
	_, err := incrementScript.Run(ctx, s.client,
		[]string{failureKeyPrefix + address},
		strconv.FormatInt(window.Milliseconds(), 10)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrStoreOperationFailed, err)
	}
	return nil
}

// FailureCount returns the current failed-attempt count.
func (s *RedisStore) FailureCount(ctx context.Context, address string) (int64, error) {
	n, err := s.client.Get(ctx, failureKeyPrefix+address).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", core.ErrStoreOperationFailed, err)
	}
	return n, nil
}

// IncrementAndCheck bumps the counter for key atomically.
func (s *RedisStore) IncrementAndCheck(ctx context.Context, key string, window time.Duration, limit int64) (bool, time.Duration, error) {
	res, err := incrementScript.Run(ctx, s.client,
		[]string{counterKeyPrefix + key},
		strconv.FormatInt(window.Milliseconds(), 10)).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", core.ErrStoreOperationFailed, err)
	}
	if len(res) != 2 {
		return false, 0, core.ErrStoreOperationFailed
	}

	count, _ := res[0].(int64)
	ttlMillis, _ := res[1].(int64)
	retryAfter := time.Duration(ttlMillis) * time.Millisecond
	return count <= limit, retryAfter, nil
}

// SetFlag sets a TTL'd marker key.
func (s *RedisStore) SetFlag(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Set(ctx, flagKeyPrefix+key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStoreOperationFailed, err)
	}
	return nil
}

// HasFlag reports whether the marker key exists.
func (s *RedisStore) HasFlag(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, flagKeyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", core.ErrStoreOperationFailed, err)
	}
	return n > 0, nil
}

// ClearFlag removes a marker key.
func (s *RedisStore) ClearFlag(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, flagKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStoreOperationFailed, err)
	}
	return nil
}

// FlagTTL returns the remaining lifetime of a marker key, zero if unset.
func (s *RedisStore) FlagTTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, flagKeyPrefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", core.ErrStoreOperationFailed, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
