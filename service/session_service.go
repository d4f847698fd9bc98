package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chainpass/wcsap/core"
	"github.com/chainpass/wcsap/ports"
)

// SessionService owns the refresh-token lifecycle: minting token pairs,
// rotating generations, and revoking sessions or whole families.
type SessionService struct {
	store     ports.SessionStore
	tokenizer ports.Tokenizer
	clock     ports.Clock
	logger    *zap.Logger

	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewSessionService(store ports.SessionStore, tokenizer ports.Tokenizer, clock ports.Clock, logger *zap.Logger, cfg Config) *SessionService {
	return &SessionService{
		store:      store,
		tokenizer:  tokenizer,
		clock:      clock,
		logger:     logger,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
	}
}

// Issue creates a fresh session family for the wallet and mints its first
// token pair. A non-empty thumbprint binds the session to the client key.
func (s *SessionService) Issue(ctx context.Context, address, scope, dpopThumbprint string) (*core.Session, *core.TokenPair, error) {
	now := s.clock.Now()
	session := &core.Session{
		ID:             uuid.NewString(),
		Address:        address,
		FamilyID:       uuid.NewString(),
		Scope:          scope,
		AccessExpiry:   now.Add(s.accessTTL),
		RefreshExpiry:  now.Add(s.refreshTTL),
		DPoPThumbprint: dpopThumbprint,
		State:          core.SessionActive,
		CreatedAt:      now,
	}
	pair, err := s.mint(ctx, session)
	if err != nil {
		return nil, nil, err
	}
	return session, pair, nil
}

// Refresh rotates the presented refresh token to a new generation in the
// same family. Presenting an already-rotated token is treated as theft: the
// entire family is revoked and core.ErrReuseDetected is returned along with
// the compromised session for audit.
func (s *SessionService) Refresh(ctx context.Context, refreshToken string) (*core.Session, *core.TokenPair, error) {
	hash := s.tokenizer.HashRefreshToken(refreshToken)
	prev, err := s.store.GetSessionByRefreshHash(ctx, hash)
	if err != nil {
		return nil, nil, err
	}

	now := s.clock.Now()
	if now.After(prev.RefreshExpiry) {
		return prev, nil, core.ErrSessionExpired
	}

	if err := s.store.RotateSession(ctx, prev.ID); err != nil {
		if errors.Is(err, core.ErrReuseDetected) {
			if revokeErr := s.store.RevokeFamily(ctx, prev.FamilyID, s.refreshTTL); revokeErr != nil {
				s.logger.Error("revoking family after reuse",
					zap.String("family_id", prev.FamilyID),
					zap.Error(revokeErr))
			}
			return prev, nil, core.ErrReuseDetected
		}
		return prev, nil, err
	}

	next := &core.Session{
		ID:             uuid.NewString(),
		Address:        prev.Address,
		FamilyID:       prev.FamilyID,
		Scope:          prev.Scope,
		AccessExpiry:   now.Add(s.accessTTL),
		RefreshExpiry:  prev.RefreshExpiry,
		DPoPThumbprint: prev.DPoPThumbprint,
		State:          core.SessionActive,
		CreatedAt:      now,
	}
	pair, err := s.mint(ctx, next)
	if err != nil {
		return prev, nil, err
	}
	return next, pair, nil
}

// Revoke denylists a single session by refresh token.
func (s *SessionService) Revoke(ctx context.Context, refreshToken string) (*core.Session, error) {
	hash := s.tokenizer.HashRefreshToken(refreshToken)
	session, err := s.store.GetSessionByRefreshHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if err := s.store.RevokeSession(ctx, session.ID, s.refreshTTL); err != nil {
		return nil, fmt.Errorf("revoking session: %w", err)
	}
	return session, nil
}

// RevokeFamily denylists every generation descending from one login.
func (s *SessionService) RevokeFamily(ctx context.Context, familyID string) error {
	return s.store.RevokeFamily(ctx, familyID, s.refreshTTL)
}

// ValidateAccess verifies an access token's signature and expiry and checks
// the session against the revocation denylist.
func (s *SessionService) ValidateAccess(ctx context.Context, accessToken string) (*core.Session, error) {
	session, err := s.tokenizer.AccessTokenToSession(accessToken)
	if err != nil {
		return nil, err
	}
	revoked, err := s.store.IsRevoked(ctx, session.ID, session.FamilyID)
	if err != nil {
		return nil, fmt.Errorf("checking denylist: %w", err)
	}
	if revoked {
		return nil, core.ErrSessionRevoked
	}
	return session, nil
}

func (s *SessionService) mint(ctx context.Context, session *core.Session) (*core.TokenPair, error) {
	refresh, hash, err := s.tokenizer.NewRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("minting refresh token: %w", err)
	}
	session.RefreshTokenHash = hash

	access, err := s.tokenizer.SessionToAccessToken(session)
	if err != nil {
		return nil, fmt.Errorf("minting access token: %w", err)
	}

	ttl := session.RefreshExpiry.Sub(s.clock.Now())
	if err := s.store.PutSession(ctx, session, ttl); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}

	return &core.TokenPair{
		AccessToken:   access,
		RefreshToken:  refresh,
		AccessExpiry:  session.AccessExpiry,
		RefreshExpiry: session.RefreshExpiry,
		SessionID:     session.ID,
	}, nil
}
