package tokenizer

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chainpass/wcsap/core"
	"github.com/chainpass/wcsap/ports"
)

const AudienceAccess = "wcsap:access"

const refreshTokenBytes = 32

// JWTTokenizer mints ES256 access tokens whose validity is checkable without
// a store lookup, and opaque refresh tokens of which only a SHA-256 hash is
// ever stored.
type JWTTokenizer struct {
	signKey *ecdsa.PrivateKey
}

// NewJWTTokenizer creates a tokenizer signing with the given key.
func NewJWTTokenizer(signKey *ecdsa.PrivateKey) ports.Tokenizer {
	return &JWTTokenizer{signKey: signKey}
}

// SessionToAccessToken mints a signed access token for the session.
func (j *JWTTokenizer) SessionToAccessToken(session *core.Session) (string, error) {
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   session.Address,
			ID:        session.ID,
			ExpiresAt: jwt.NewNumericDate(session.AccessExpiry),
			IssuedAt:  jwt.NewNumericDate(session.CreatedAt),
			Audience:  jwt.ClaimStrings{AudienceAccess},
		},
		FamilyID: session.FamilyID,
		Scope:    session.Scope,
	}
	if session.DPoPThumbprint != "" {
		claims.Confirmation = &Confirmation{JKT: session.DPoPThumbprint}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)

	signedToken, err := token.SignedString(j.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}

	return signedToken, nil
}

// AccessTokenToSession verifies the token signature and expiry and rebuilds
// the session claims it carries.
func (j *JWTTokenizer) AccessTokenToSession(tokenStr string) (*core.Session, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &j.signKey.PublicKey, nil
	}, jwt.WithAudience(AudienceAccess))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, core.ErrTokenExpired
		}
		return nil, fmt.Errorf("failed to parse access token: %w", core.ErrInvalidToken)
	}

	if !token.Valid {
		return nil, core.ErrInvalidToken
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok {
		return nil, core.ErrInvalidToken
	}

	session := &core.Session{
		ID:           claims.ID,
		Address:      claims.Subject,
		FamilyID:     claims.FamilyID,
		Scope:        claims.Scope,
		AccessExpiry: claims.ExpiresAt.Time,
		CreatedAt:    claims.IssuedAt.Time,
		State:        core.SessionActive,
	}
	if claims.Confirmation != nil {
		session.DPoPThumbprint = claims.Confirmation.JKT
	}

	return session, nil
}

// NewRefreshToken mints an opaque refresh token and its storable hash.
func (j *JWTTokenizer) NewRefreshToken() (string, string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate refresh token: %w", err)
	}

	token := base64.RawURLEncoding.EncodeToString(buf)
	return token, j.HashRefreshToken(token), nil
}

// HashRefreshToken returns the hex SHA-256 of the presented token.
func (j *JWTTokenizer) HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
