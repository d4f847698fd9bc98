package dpop

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
)

// Generator creates DPoP proofs on the client side. The server uses it only
// in tests; production clients hold their own private key.
type Generator struct {
	privateKey ed25519.PrivateKey
}

// NewGenerator creates a proof generator for the given key.
func NewGenerator(privateKey ed25519.PrivateKey) *Generator {
	return &Generator{privateKey: privateKey}
}

// PublicJWK returns the JWK JSON for the generator's public key, as sent to
// the server when binding a session.
func (g *Generator) PublicJWK() ([]byte, error) {
	jwk := jose.JSONWebKey{Key: g.privateKey.Public()}
	return json.Marshal(jwk)
}

// Generate creates a signed proof for one HTTP request carrying the given
// access token.
func (g *Generator) Generate(method, uri, accessToken string) (string, error) {
	return g.GenerateAt(method, uri, accessToken, time.Now())
}

// GenerateAt is Generate with an explicit iat, for testing expiry windows.
func (g *Generator) GenerateAt(method, uri, accessToken string, iat time.Time) (string, error) {
	normalizedURI, err := NormalizeURI(uri)
	if err != nil {
		return "", fmt.Errorf("failed to normalize uri: %w", err)
	}

	jwkJSON, err := g.PublicJWK()
	if err != nil {
		return "", fmt.Errorf("failed to marshal jwk: %w", err)
	}

	header := Header{
		Typ: TypeDPoP,
		Alg: AlgEdDSA,
		JWK: jwkJSON,
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("failed to marshal header: %w", err)
	}

	claims := Claims{
		JTI: uuid.New().String(),
		HTM: method,
		HTU: normalizedURI,
		IAT: iat.Unix(),
		ATH: HashAccessToken(accessToken),
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal claims: %w", err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) +
		"." + base64.RawURLEncoding.EncodeToString(claimsJSON)
	signature := ed25519.Sign(g.privateKey, []byte(signingInput))

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}
