package store

import (
	"context"
	"sync"
	"time"

	"github.com/chainpass/wcsap/core"
	"github.com/chainpass/wcsap/ports"
)

// MemoryStore is an in-memory implementation of the challenge, session and
// counter ports. All read-modify-write operations run under one mutex, which
// gives them the same atomicity contract as the Redis scripts. Intended for
// tests and single-process deployments.
type MemoryStore struct {
	mu sync.Mutex

	clock ports.Clock

	challenges map[string]*challengeEntry
	sessions   map[string]*sessionEntry
	byHash     map[string]string // refresh hash -> session id
	families   map[string][]string
	denylist   map[string]time.Time
	windows    map[string]*windowEntry
	flags      map[string]time.Time

	lastLogins   map[string]core.LoginRecord
	fingerprints map[string]map[string]struct{}
	failures     map[string]*windowEntry
}

type challengeEntry struct {
	challenge core.Challenge
	expiresAt time.Time
}

type sessionEntry struct {
	session   core.Session
	expiresAt time.Time
}

type windowEntry struct {
	start time.Time
	ttl   time.Duration
	count int64
}

// NewMemoryStore creates an empty store using the given clock.
func NewMemoryStore(clock ports.Clock) *MemoryStore {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &MemoryStore{
		clock:      clock,
		challenges: make(map[string]*challengeEntry),
		sessions:   make(map[string]*sessionEntry),
		byHash:     make(map[string]string),
		families:   make(map[string][]string),
		denylist:   make(map[string]time.Time),
		windows:    make(map[string]*windowEntry),
		flags:      make(map[string]time.Time),

		lastLogins:   make(map[string]core.LoginRecord),
		fingerprints: make(map[string]map[string]struct{}),
		failures:     make(map[string]*windowEntry),
	}
}

// PutChallenge stores a challenge record.
func (s *MemoryStore) PutChallenge(_ context.Context, challenge *core.Challenge, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.challenges[challenge.ID] = &challengeEntry{
		challenge: *challenge,
		expiresAt: s.clock.Now().Add(ttl),
	}
	return nil
}

// ConsumeChallenge atomically transitions issued -> consumed. The whole
// read-check-write runs under the store mutex so only one concurrent caller
// can observe success.
func (s *MemoryStore) ConsumeChallenge(_ context.Context, id string) (*core.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.challenges[id]
	if !ok {
		return nil, core.ErrChallengeNotFound
	}

	now := s.clock.Now()
	if now.After(entry.expiresAt) || entry.challenge.Expired(now) {
		delete(s.challenges, id)
		return nil, core.ErrChallengeExpired
	}
	if entry.challenge.State == core.ChallengeConsumed {
		return nil, core.ErrChallengeAlreadyConsumed
	}

	entry.challenge.State = core.ChallengeConsumed
	consumed := entry.challenge
	return &consumed, nil
}

// CountOutstanding returns the number of live issued challenges for a wallet.
func (s *MemoryStore) CountOutstanding(_ context.Context, address string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	count := 0
	for id, entry := range s.challenges {
		if now.After(entry.expiresAt) {
			delete(s.challenges, id)
			continue
		}
		if entry.challenge.Address == address && entry.challenge.State == core.ChallengeIssued && !entry.challenge.Expired(now) {
			count++
		}
	}
	return count, nil
}

// PutSession stores a session record and indexes it by refresh-token hash
// and family.
func (s *MemoryStore) PutSession(_ context.Context, session *core.Session, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.ID] = &sessionEntry{
		session:   *session,
		expiresAt: s.clock.Now().Add(ttl),
	}
	s.byHash[session.RefreshTokenHash] = session.ID
	s.families[session.FamilyID] = append(s.families[session.FamilyID], session.ID)
	return nil
}

// GetSession returns a session by id.
func (s *MemoryStore) GetSession(_ context.Context, id string) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getSessionLocked(id)
}

// GetSessionByRefreshHash returns the session holding the given refresh hash.
func (s *MemoryStore) GetSessionByRefreshHash(_ context.Context, hash string) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[hash]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	return s.getSessionLocked(id)
}

func (s *MemoryStore) getSessionLocked(id string) (*core.Session, error) {
	entry, ok := s.sessions[id]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	if s.clock.Now().After(entry.expiresAt) {
		delete(s.sessions, id)
		delete(s.byHash, entry.session.RefreshTokenHash)
		return nil, core.ErrSessionNotFound
	}
	session := entry.session
	return &session, nil
}

// RotateSession atomically transitions active -> rotated.
func (s *MemoryStore) RotateSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[id]
	if !ok {
		return core.ErrSessionNotFound
	}

	switch entry.session.State {
	case core.SessionActive:
		entry.session.State = core.SessionRotated
		return nil
	case core.SessionRotated:
		return core.ErrReuseDetected
	case core.SessionRevoked:
		return core.ErrSessionRevoked
	default:
		return core.ErrSessionExpired
	}
}

// RevokeFamily denylists the family and marks every member session revoked.
func (s *MemoryStore) RevokeFamily(_ context.Context, familyID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.denylist["family:"+familyID] = s.clock.Now().Add(ttl)
	for _, id := range s.families[familyID] {
		if entry, ok := s.sessions[id]; ok {
			entry.session.State = core.SessionRevoked
		}
	}
	return nil
}

// RevokeSession denylists a single session id and marks it revoked.
func (s *MemoryStore) RevokeSession(_ context.Context, id string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.denylist["session:"+id] = s.clock.Now().Add(ttl)
	if entry, ok := s.sessions[id]; ok {
		entry.session.State = core.SessionRevoked
	}
	return nil
}

// IsRevoked reports whether the session or its family is denylisted.
func (s *MemoryStore) IsRevoked(_ context.Context, id, familyID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for _, key := range []string{"session:" + id, "family:" + familyID} {
		expiry, ok := s.denylist[key]
		if !ok {
			continue
		}
		if now.After(expiry) {
			delete(s.denylist, key)
			continue
		}
		return true, nil
	}
	return false, nil
}

// RecordLogin stores the wallet's most recent successful login.
func (s *MemoryStore) RecordLogin(_ context.Context, address string, record core.LoginRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastLogins[address] = record
	if record.Fingerprint != "" {
		set, ok := s.fingerprints[address]
		if !ok {
			set = make(map[string]struct{})
			s.fingerprints[address] = set
		}
		set[record.Fingerprint] = struct{}{}
	}
	return nil
}

// LastLogin returns the most recent successful login, or nil.
func (s *MemoryStore) LastLogin(_ context.Context, address string) (*core.LoginRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.lastLogins[address]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

// KnownFingerprint reports whether the fingerprint was seen before.
func (s *MemoryStore) KnownFingerprint(_ context.Context, address, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.fingerprints[address][fingerprint]
	return ok, nil
}

// RecordFailure bumps the wallet's failed-attempt counter.
func (s *MemoryStore) RecordFailure(_ context.Context, address string, window time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	entry, ok := s.failures[address]
	if !ok || now.Sub(entry.start) >= entry.ttl {
		entry = &windowEntry{start: now, ttl: window}
		s.failures[address] = entry
	}
	entry.count++
	return nil
}

// FailureCount returns the current failed-attempt count.
func (s *MemoryStore) FailureCount(_ context.Context, address string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.failures[address]
	if !ok || s.clock.Now().Sub(entry.start) >= entry.ttl {
		return 0, nil
	}
	return entry.count, nil
}

// IncrementAndCheck bumps the fixed-window counter for key and reports
// whether the post-increment count is within limit.
func (s *MemoryStore) IncrementAndCheck(_ context.Context, key string, window time.Duration, limit int64) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	entry, ok := s.windows[key]
	if !ok || now.Sub(entry.start) >= entry.ttl {
		entry = &windowEntry{start: now, ttl: window}
		s.windows[key] = entry
	}

	entry.count++
	remaining := entry.ttl - now.Sub(entry.start)
	return entry.count <= limit, remaining, nil
}

// SetFlag sets a TTL'd boolean flag.
func (s *MemoryStore) SetFlag(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flags[key] = s.clock.Now().Add(ttl)
	return nil
}

// HasFlag reports whether the flag is set and not expired.
func (s *MemoryStore) HasFlag(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.flags[key]
	if !ok {
		return false, nil
	}
	if s.clock.Now().After(expiry) {
		delete(s.flags, key)
		return false, nil
	}
	return true, nil
}

// ClearFlag removes a flag.
func (s *MemoryStore) ClearFlag(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.flags, key)
	return nil
}

// FlagTTL returns the remaining lifetime of a flag, zero if unset.
func (s *MemoryStore) FlagTTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.flags[key]
	if !ok {
		return 0, nil
	}
	remaining := expiry.Sub(s.clock.Now())
	if remaining <= 0 {
		delete(s.flags, key)
		return 0, nil
	}
	return remaining, nil
}
