package ports

import "github.com/chainpass/wcsap/core"

// Tokenizer mints and verifies the self-describing access tokens and the
// opaque refresh tokens of a session.
type Tokenizer interface {
	// SessionToAccessToken mints a signed access token for the session.
	SessionToAccessToken(session *core.Session) (string, error)

	// AccessTokenToSession verifies the signature and expiry of an access
	// token and reconstructs the session claims it carries. Revocation is
	// not checked here; callers consult the SessionStore denylist.
	AccessTokenToSession(token string) (*core.Session, error)

	// NewRefreshToken mints an opaque refresh token and returns it with
	// its storable hash. The clear token is never persisted.
	NewRefreshToken() (token string, hash string, err error)

	// HashRefreshToken returns the storable hash of a presented token.
	HashRefreshToken(token string) string
}
