// Package dpop implements demonstrated proof-of-possession per RFC 9449.
//
// A DPoP proof is a short-lived JWT signed with the client's Ed25519 key,
// binding one HTTP request to that key. Verifying a proof makes a stolen
// bare access token useless without the matching private key: the proof must
// cover the request method and URI, carry a fresh iat, hash the presented
// access token (ath) and use a never-before-seen jti.
package dpop

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

const (
	// TypeDPoP is the required typ header value for DPoP proofs.
	TypeDPoP = "dpop+jwt"

	// AlgEdDSA is the only permitted algorithm. The verifier pins it and
	// never selects the algorithm from the header.
	AlgEdDSA = "EdDSA"

	// maxProofSize caps proof length to keep oversized tokens out of the
	// parser.
	maxProofSize = 8 * 1024
)

// Header is the JOSE header of a DPoP proof.
type Header struct {
	Typ string          `json:"typ"`
	Alg string          `json:"alg"`
	JWK json.RawMessage `json:"jwk,omitempty"`
}

// Claims binds the proof to a specific HTTP request and access token.
type Claims struct {
	JTI string `json:"jti"`
	HTM string `json:"htm"`
	HTU string `json:"htu"`
	IAT int64  `json:"iat"`
	ATH string `json:"ath,omitempty"`
}

// HashAccessToken computes the ath claim value for an access token:
// base64url(SHA-256(token)) without padding.
func HashAccessToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// NormalizeURI canonicalizes a request URI for htu comparison: lowercased
// scheme and host, default ports stripped, query and fragment dropped.
func NormalizeURI(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid uri: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("uri must be absolute: %q", raw)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	return scheme + "://" + host + path, nil
}
