package dpop

import (
	"crypto"
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/chainpass/wcsap/ports"
)

// Config controls proof validation.
type Config struct {
	// FreshnessWindow is the maximum allowed distance between the proof's
	// iat and server time, in either direction.
	FreshnessWindow time.Duration
}

// DefaultConfig returns the RFC 9449 recommended defaults.
func DefaultConfig() Config {
	return Config{FreshnessWindow: 60 * time.Second}
}

// Binder verifies per-request possession proofs against the key thumbprint
// bound into a session at issuance.
type Binder struct {
	cfg   Config
	cache JTICache
	clock ports.Clock
}

// NewBinder creates a binder using the given replay cache.
func NewBinder(cfg Config, cache JTICache, clock ports.Clock) *Binder {
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = DefaultConfig().FreshnessWindow
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &Binder{cfg: cfg, cache: cache, clock: clock}
}

// Thumbprint parses a client-supplied JWK and returns its RFC 7638 SHA-256
// thumbprint, base64url encoded. Only Ed25519 OKP keys are accepted.
func Thumbprint(jwkJSON []byte) (string, error) {
	var key jose.JSONWebKey
	if err := json.Unmarshal(jwkJSON, &key); err != nil {
		return "", fmt.Errorf("failed to parse jwk: %w", ErrInvalidProof)
	}
	if _, ok := key.Key.(ed25519.PublicKey); !ok {
		return "", fmt.Errorf("jwk must be an Ed25519 public key: %w", ErrInvalidProof)
	}

	tp, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

// VerifyProof validates a proof for one HTTP request. boundThumbprint is the
// jkt stored in the session; accessToken is the token presented alongside
// the proof. Validation order: structure, header pinning, key binding,
// signature, htm/htu, iat freshness, ath binding, jti replay.
func (b *Binder) VerifyProof(proof, method, uri, accessToken, boundThumbprint string) error {
	if proof == "" || len(proof) > maxProofSize {
		return ErrInvalidProof
	}

	parts := strings.Split(proof, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return ErrInvalidProof
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return fmt.Errorf("bad header encoding: %w", ErrInvalidProof)
	}
	var header Header
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return fmt.Errorf("bad header json: %w", ErrInvalidProof)
	}

	// typ and alg are pinned; the header never selects the verification
	// algorithm.
	if header.Typ != TypeDPoP || header.Alg != AlgEdDSA {
		return fmt.Errorf("header typ/alg not permitted: %w", ErrInvalidProof)
	}
	if len(header.JWK) == 0 {
		return fmt.Errorf("jwk header is required: %w", ErrInvalidProof)
	}

	var jwk jose.JSONWebKey
	if err := json.Unmarshal(header.JWK, &jwk); err != nil {
		return fmt.Errorf("bad jwk: %w", ErrInvalidProof)
	}
	publicKey, ok := jwk.Key.(ed25519.PublicKey)
	if !ok || len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("jwk must be an Ed25519 public key: %w", ErrInvalidProof)
	}

	// The proof key must be the one bound at session issuance.
	tp, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return fmt.Errorf("failed to compute thumbprint: %w", ErrInvalidProof)
	}
	thumbprint := base64.RawURLEncoding.EncodeToString(tp)
	if subtle.ConstantTimeCompare([]byte(thumbprint), []byte(boundThumbprint)) != 1 {
		return ErrKeyMismatch
	}

	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return fmt.Errorf("bad signature encoding: %w", ErrInvalidProof)
	}
	signingInput := parts[0] + "." + parts[1]
	if !ed25519.Verify(publicKey, []byte(signingInput), signature) {
		return fmt.Errorf("signature does not verify: %w", ErrInvalidProof)
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("bad payload encoding: %w", ErrInvalidProof)
	}
	var claims Claims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return fmt.Errorf("bad payload json: %w", ErrInvalidProof)
	}

	if claims.HTM != method {
		return fmt.Errorf("htm mismatch: %w", ErrInvalidProof)
	}
	wantHTU, err := NormalizeURI(uri)
	if err != nil {
		return fmt.Errorf("bad request uri: %w", ErrInvalidProof)
	}
	gotHTU, err := NormalizeURI(claims.HTU)
	if err != nil || gotHTU != wantHTU {
		return fmt.Errorf("htu mismatch: %w", ErrInvalidProof)
	}

	// Freshness is enforced independently of cache state, so lazy jti
	// eviction is never security-critical.
	iat := time.Unix(claims.IAT, 0)
	if d := b.clock.Now().Sub(iat); d > b.cfg.FreshnessWindow || d < -b.cfg.FreshnessWindow {
		return ErrStale
	}

	if claims.ATH == "" {
		return fmt.Errorf("ath claim is required: %w", ErrInvalidProof)
	}
	wantATH := HashAccessToken(accessToken)
	if subtle.ConstantTimeCompare([]byte(claims.ATH), []byte(wantATH)) != 1 {
		return fmt.Errorf("ath mismatch: %w", ErrInvalidProof)
	}

	replay, err := b.cache.Record(claims.JTI)
	if err != nil {
		return fmt.Errorf("jti cache: %w", err)
	}
	if replay {
		return ErrReplay
	}

	return nil
}
