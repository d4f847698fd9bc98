package core

import "time"

// ChallengeState tracks the lifecycle of a single-use challenge.
type ChallengeState string

const (
	ChallengeIssued   ChallengeState = "issued"
	ChallengeConsumed ChallengeState = "consumed"
	ChallengeExpired  ChallengeState = "expired"
)

// Challenge represents a single-use authentication challenge. A challenge is
// created in state issued and may transition to consumed exactly once; the
// transition is an atomic compare-and-swap in the backing store.
type Challenge struct {
	ID        string         // Unique identifier for the challenge
	Address   string         // Checksummed Ethereum address of the wallet
	Nonce     string         // Random nonce embedded in the signable message
	Message   string         // Full message presented to the wallet for signing
	Scope     string         // Session scope granted on success ("" = default)
	IssuedAt  time.Time      // When the challenge was created
	ExpiresAt time.Time      // When the challenge expires
	State     ChallengeState // Lifecycle state
}

// Expired reports whether the challenge is past its expiry at the given time.
func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// SessionState tracks the lifecycle of a refresh-token generation.
type SessionState string

const (
	SessionActive  SessionState = "active"
	SessionRotated SessionState = "rotated"
	SessionRevoked SessionState = "revoked"
	SessionExpired SessionState = "expired"
)

// Session represents one refresh-token generation of an authenticated wallet
// session. All generations descending from one successful login share a
// FamilyID; revoking the family invalidates every descendant token. The
// refresh token itself is never stored, only its SHA-256 hash.
type Session struct {
	ID               string       // Unique session identifier
	Address          string       // Checksummed Ethereum address of the wallet
	FamilyID         string       // Groups all rotations descending from one login
	Scope            string       // Granted scope ("" = default, "sensitive" after step-up)
	RefreshTokenHash string       // SHA-256 hash of the opaque refresh token, hex
	AccessExpiry     time.Time    // When the access token expires
	RefreshExpiry    time.Time    // When the refresh capability expires
	DPoPThumbprint   string       // RFC 7638 thumbprint of the bound client key ("" = unbound)
	State            SessionState // Lifecycle state
	CreatedAt        time.Time    // When this generation was created
}

// Bound reports whether the session requires DPoP proofs.
func (s *Session) Bound() bool {
	return s.DPoPThumbprint != ""
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken   string
	RefreshToken  string
	AccessExpiry  time.Time
	RefreshExpiry time.Time
	SessionID     string
}

// LoginRecord is the trace of one successful login kept for risk scoring.
type LoginRecord struct {
	At          time.Time `json:"at"`
	Fingerprint string    `json:"fingerprint"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
}

// Origin carries the request metadata that accompanies every authentication
// event. It is passed by value through the rate limiter, risk engine and
// audit trail.
type Origin struct {
	IP          string
	UserAgent   string
	Fingerprint string
	Country     string
	Latitude    float64
	Longitude   float64
}
