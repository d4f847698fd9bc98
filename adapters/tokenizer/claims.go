package tokenizer

import "github.com/golang-jwt/jwt/v5"

// Confirmation carries the DPoP key binding per RFC 7800 / RFC 9449.
type Confirmation struct {
	JKT string `json:"jkt"` // RFC 7638 thumbprint of the bound key
}

// AccessClaims combines standard claims with session-specific ones. The JWT
// ID is the session id; the subject is the wallet address.
type AccessClaims struct {
	jwt.RegisteredClaims
	FamilyID     string        `json:"fam"`
	Scope        string        `json:"scope,omitempty"`
	Confirmation *Confirmation `json:"cnf,omitempty"`
}
