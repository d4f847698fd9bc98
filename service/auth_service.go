package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/chainpass/wcsap/audit"
	"github.com/chainpass/wcsap/core"
	"github.com/chainpass/wcsap/dpop"
	"github.com/chainpass/wcsap/internal/eth"
	"github.com/chainpass/wcsap/ports"
	"github.com/chainpass/wcsap/ratelimit"
	"github.com/chainpass/wcsap/risk"
)

// ScopeSensitive marks sessions granted after a completed step-up flow.
const ScopeSensitive = "sensitive"

// VerifyInput carries everything one verification attempt presents.
type VerifyInput struct {
	ChallengeID string
	Address     string
	Signature   string

	// DPoPKey is the client's public JWK for sender-constrained sessions.
	// Empty means a bearer session.
	DPoPKey []byte

	Origin core.Origin
}

// AuthService orchestrates the full authentication flow: abuse gating,
// challenge consumption, signature verification, risk scoring and session
// minting. Every transition is recorded on the audit trail.
type AuthService struct {
	challenges *ChallengeService
	sessions   *SessionService
	limiter    *ratelimit.Limiter
	powGate    *ratelimit.PoWGate
	riskEngine *risk.Engine
	history    ports.HistoryStore
	counter    ports.Counter
	auditor    *audit.Dispatcher
	clock      ports.Clock
	logger     *zap.Logger
	cfg        Config
}

func NewAuthService(
	challenges *ChallengeService,
	sessions *SessionService,
	limiter *ratelimit.Limiter,
	powGate *ratelimit.PoWGate,
	riskEngine *risk.Engine,
	history ports.HistoryStore,
	counter ports.Counter,
	auditor *audit.Dispatcher,
	clock ports.Clock,
	logger *zap.Logger,
	cfg Config,
) *AuthService {
	return &AuthService{
		challenges: challenges,
		sessions:   sessions,
		limiter:    limiter,
		powGate:    powGate,
		riskEngine: riskEngine,
		history:    history,
		counter:    counter,
		auditor:    auditor,
		clock:      clock,
		logger:     logger,
		cfg:        cfg,
	}
}

// PoWRequired reports whether challenge requests must carry a solved puzzle.
func (s *AuthService) PoWRequired() bool {
	return s.cfg.RequireProofOfWork && s.powGate != nil
}

// IssuePuzzle hands out a proof-of-work puzzle for a later challenge request.
func (s *AuthService) IssuePuzzle(ctx context.Context) (*ratelimit.Puzzle, error) {
	if s.powGate == nil {
		return nil, core.ErrProofOfWorkRequired
	}
	return s.powGate.Issue(ctx)
}

// Challenge issues a signing challenge for the wallet after the rate and
// proof-of-work gates pass.
func (s *AuthService) Challenge(ctx context.Context, address string, origin core.Origin, puzzle *ratelimit.Puzzle, solution string) (*core.Challenge, error) {
	if err := s.limiter.Allow(ctx, ratelimit.ScopeChallenge, address, origin.IP); err != nil {
		if errors.Is(err, core.ErrRateLimited) {
			s.record(audit.EventRateLimited, address, "", "denied", "challenge budget exceeded", origin)
		}
		return nil, err
	}

	if s.PoWRequired() {
		if puzzle == nil {
			return nil, core.ErrProofOfWorkRequired
		}
		if err := s.powGate.Verify(ctx, puzzle, solution); err != nil {
			return nil, err
		}
	}

	challenge, err := s.challenges.Issue(ctx, address, "")
	if err != nil {
		return nil, err
	}

	s.record(audit.EventChallengeIssued, challenge.Address, "", "issued", "", origin)
	return challenge, nil
}

// Verify consumes the challenge, checks the wallet signature and the risk
// verdict, and mints a session. On a step-up verdict the first successful
// cycle returns core.ErrStepUp and arms a marker; a second successful cycle
// within the step-up window mints a sensitive-scope session.
func (s *AuthService) Verify(ctx context.Context, in VerifyInput) (*core.TokenPair, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	address, err := eth.Checksum(in.Address)
	if err != nil {
		return nil, core.ErrInvalidAddress
	}

	if err := s.limiter.Allow(ctx, ratelimit.ScopeVerify, address, in.Origin.IP); err != nil {
		if errors.Is(err, core.ErrRateLimited) {
			s.record(audit.EventRateLimited, address, "", "denied", "verify budget exceeded", in.Origin)
		}
		return nil, err
	}

	challenge, err := s.challenges.Consume(ctx, in.ChallengeID)
	if err != nil {
		s.recordFailure(ctx, address, in.Origin, fmt.Sprintf("challenge: %v", err))
		return nil, err
	}

	if challenge.Address != address {
		s.recordFailure(ctx, address, in.Origin, "challenge issued to different wallet")
		return nil, core.ErrInvalidSignature
	}

	if err := eth.VerifySignature(challenge.Message, in.Signature, address); err != nil {
		s.recordFailure(ctx, address, in.Origin, "signature recovery mismatch")
		return nil, core.ErrInvalidSignature
	}
	s.record(audit.EventChallengeConsumed, address, "", "consumed", "", in.Origin)

	assessment, err := s.assess(ctx, address, in.Origin)
	if err != nil {
		return nil, err
	}

	scope := ""
	switch assessment.Decision {
	case risk.DecisionDeny:
		s.record(audit.EventRiskDenied, address, "", "denied", fmt.Sprintf("score %.2f", assessment.Score), in.Origin)
		return nil, core.ErrRiskDenied
	case risk.DecisionStepUp:
		pending, err := s.counter.HasFlag(ctx, stepUpKey(address))
		if err != nil {
			return nil, fmt.Errorf("checking step-up marker: %w", err)
		}
		if !pending {
			if err := s.counter.SetFlag(ctx, stepUpKey(address), s.cfg.StepUpTTL); err != nil {
				return nil, fmt.Errorf("arming step-up marker: %w", err)
			}
			s.record(audit.EventStepUpRequired, address, "", "step_up", fmt.Sprintf("score %.2f", assessment.Score), in.Origin)
			return nil, core.ErrStepUp
		}
		// The marker is single use: the next step-up verdict starts a
		// fresh two-cycle exchange.
		if err := s.counter.ClearFlag(ctx, stepUpKey(address)); err != nil {
			return nil, fmt.Errorf("consuming step-up marker: %w", err)
		}
		scope = ScopeSensitive
	}

	var thumbprint string
	if len(in.DPoPKey) > 0 {
		thumbprint, err = dpop.Thumbprint(in.DPoPKey)
		if err != nil {
			s.record(audit.EventDPoPRejected, address, "", "rejected", "unusable client key", in.Origin)
			return nil, err
		}
	}

	session, pair, err := s.sessions.Issue(ctx, address, scope, thumbprint)
	if err != nil {
		return nil, err
	}

	if err := s.history.RecordLogin(ctx, address, core.LoginRecord{
		At:          s.clock.Now(),
		Fingerprint: in.Origin.Fingerprint,
		Latitude:    in.Origin.Latitude,
		Longitude:   in.Origin.Longitude,
	}); err != nil {
		s.logger.Warn("recording login history", zap.String("address", address), zap.Error(err))
	}

	s.record(audit.EventSessionIssued, address, session.ID, "issued", string(assessment.Decision), in.Origin)
	return pair, nil
}

// Refresh rotates a refresh token. Reuse of a rotated token revokes the
// whole family before the caller sees the error.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, origin core.Origin) (*core.TokenPair, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	if err := s.limiter.Allow(ctx, ratelimit.ScopeRefresh, "", origin.IP); err != nil {
		if errors.Is(err, core.ErrRateLimited) {
			s.record(audit.EventRateLimited, "", "", "denied", "refresh budget exceeded", origin)
		}
		return nil, err
	}

	session, pair, err := s.sessions.Refresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, core.ErrReuseDetected) && session != nil {
			// Reuse marks the wallet anomalous for subsequent logins.
			if flagErr := s.counter.SetFlag(ctx, anomalyKey(session.Address), s.cfg.FailureWindow); flagErr != nil {
				s.logger.Warn("setting anomaly marker", zap.String("address", session.Address), zap.Error(flagErr))
			}
			s.record(audit.EventReuseDetected, session.Address, session.ID, "family_revoked", "rotated token presented again", origin)
		}
		return nil, err
	}

	s.record(audit.EventSessionRefreshed, session.Address, session.ID, "rotated", "", origin)
	return pair, nil
}

// Logout revokes the session behind the presented refresh token. Revoking
// is idempotent toward the caller: unknown tokens succeed silently so the
// endpoint leaks nothing about token validity. Family-wide logout is only
// honored for sensitive-scope sessions.
func (s *AuthService) Logout(ctx context.Context, refreshToken string, family bool, origin core.Origin) error {
	session, err := s.sessions.Revoke(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			return nil
		}
		return err
	}

	outcome := "revoked"
	if family && session.Scope == ScopeSensitive {
		if err := s.sessions.RevokeFamily(ctx, session.FamilyID); err != nil {
			return err
		}
		outcome = "family_revoked"
	}

	s.record(audit.EventSessionRevoked, session.Address, session.ID, outcome, "logout", origin)
	return nil
}

// RevokeAll revokes every generation in the caller's session family. Only
// reachable through sensitive-scope sessions.
func (s *AuthService) RevokeAll(ctx context.Context, address, familyID string, origin core.Origin) error {
	if err := s.sessions.RevokeFamily(ctx, familyID); err != nil {
		return err
	}
	s.record(audit.EventSessionRevoked, address, "", "family_revoked", "revoke_all", origin)
	return nil
}

// Authenticate validates a bearer or sender-constrained access token for a
// protected request. Sessions bound to a client key require a valid DPoP
// proof for the exact method and URI.
func (s *AuthService) Authenticate(ctx context.Context, accessToken, proof, method, uri string, binder *dpop.Binder, origin core.Origin) (*core.Session, error) {
	session, err := s.sessions.ValidateAccess(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if session.Bound() {
		if err := binder.VerifyProof(proof, method, uri, accessToken, session.DPoPThumbprint); err != nil {
			s.record(audit.EventDPoPRejected, session.Address, session.ID, "rejected", err.Error(), origin)
			return nil, core.ErrDPoPVerification
		}
	}
	return session, nil
}

// assess gathers the wallet's history into risk signals and scores them.
func (s *AuthService) assess(ctx context.Context, address string, origin core.Origin) (risk.Assessment, error) {
	signals := risk.Signals{
		Origin: origin,
		Now:    s.clock.Now(),
	}

	if origin.Fingerprint != "" {
		known, err := s.history.KnownFingerprint(ctx, address, origin.Fingerprint)
		if err != nil {
			return risk.Assessment{}, fmt.Errorf("loading fingerprint history: %w", err)
		}
		signals.KnownFingerprint = known
	}

	last, err := s.history.LastLogin(ctx, address)
	if err != nil {
		return risk.Assessment{}, fmt.Errorf("loading login history: %w", err)
	}
	if last != nil {
		at := last.At
		signals.LastLogin = &at
		signals.LastLatitude = last.Latitude
		signals.LastLongitude = last.Longitude
	}

	failures, err := s.history.FailureCount(ctx, address)
	if err != nil {
		return risk.Assessment{}, fmt.Errorf("loading failure count: %w", err)
	}
	signals.RecentFailures = int(failures)

	anomalous, err := s.counter.HasFlag(ctx, anomalyKey(address))
	if err != nil {
		return risk.Assessment{}, fmt.Errorf("checking anomaly marker: %w", err)
	}
	signals.SessionAnomaly = anomalous

	return s.riskEngine.Evaluate(signals), nil
}

// recordFailure bumps the wallet's failure counter and emits the audit
// event. The counter feeds the risk engine's failure factor.
func (s *AuthService) recordFailure(ctx context.Context, address string, origin core.Origin, reason string) {
	if err := s.history.RecordFailure(ctx, address, s.cfg.FailureWindow); err != nil {
		s.logger.Warn("recording failure", zap.String("address", address), zap.Error(err))
	}
	s.record(audit.EventVerificationFailed, address, "", "failed", reason, origin)
}

func (s *AuthService) record(et audit.EventType, address, sessionID, outcome, reason string, origin core.Origin) {
	s.auditor.Record(audit.NewEvent(et, s.clock.Now(), address, sessionID, outcome, reason, origin))
}

func stepUpKey(address string) string {
	return "stepup:" + address
}

func anomalyKey(address string) string {
	return "anomaly:" + address
}
