package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chainpass/wcsap/core"
	"github.com/chainpass/wcsap/internal/eth"
	"github.com/chainpass/wcsap/ports"
)

// nonceBytes gives 256 bits of entropy per challenge nonce.
const nonceBytes = 32

// ChallengeService issues and consumes single-use signing challenges.
type ChallengeService struct {
	store  ports.ChallengeStore
	clock  ports.Clock
	logger *zap.Logger

	ttl            time.Duration
	maxOutstanding int
	domain         string
}

func NewChallengeService(store ports.ChallengeStore, clock ports.Clock, logger *zap.Logger, cfg Config) *ChallengeService {
	return &ChallengeService{
		store:          store,
		clock:          clock,
		logger:         logger,
		ttl:            cfg.ChallengeTTL,
		maxOutstanding: cfg.MaxOutstandingChallenges,
		domain:         cfg.ChallengeDomain,
	}
}

// Issue creates a challenge for the given wallet address. The returned
// challenge carries the exact message the wallet must sign.
func (s *ChallengeService) Issue(ctx context.Context, address string, scope string) (*core.Challenge, error) {
	checksummed, err := eth.Checksum(address)
	if err != nil {
		return nil, core.ErrInvalidAddress
	}

	outstanding, err := s.store.CountOutstanding(ctx, checksummed)
	if err != nil {
		return nil, fmt.Errorf("counting outstanding challenges: %w", err)
	}
	if outstanding >= s.maxOutstanding {
		return nil, core.ErrChallengeLimitExceeded
	}

	nonce, err := randomNonce()
	if err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	now := s.clock.Now()
	challenge := &core.Challenge{
		ID:        uuid.NewString(),
		Address:   checksummed,
		Nonce:     nonce,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
		State:     core.ChallengeIssued,
	}
	challenge.Message = s.buildMessage(challenge)

	if err := s.store.PutChallenge(ctx, challenge, s.ttl); err != nil {
		return nil, fmt.Errorf("storing challenge: %w", err)
	}

	s.logger.Debug("challenge issued",
		zap.String("challenge_id", challenge.ID),
		zap.String("address", checksummed))
	return challenge, nil
}

// Consume atomically transitions a pending challenge to consumed and returns
// it. A concurrent or repeated consume of the same challenge fails.
func (s *ChallengeService) Consume(ctx context.Context, id string) (*core.Challenge, error) {
	return s.store.ConsumeChallenge(ctx, id)
}

func (s *ChallengeService) buildMessage(c *core.Challenge) string {
	return fmt.Sprintf(
		"%s wants you to sign in with your wallet:\n%s\n\nNonce: %s\nIssued At: %s\nExpiration Time: %s",
		s.domain,
		c.Address,
		c.Nonce,
		c.IssuedAt.UTC().Format(time.RFC3339),
		c.ExpiresAt.UTC().Format(time.RFC3339),
	)
}

func randomNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
