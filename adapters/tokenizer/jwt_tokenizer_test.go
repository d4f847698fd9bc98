package tokenizer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainpass/wcsap/core"
)

func newTokenizer(t *testing.T) *JWTTokenizer {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	return NewJWTTokenizer(key).(*JWTTokenizer)
}

func testSession(accessExpiry time.Time) *core.Session {
	return &core.Session{
		ID:             "session-1",
		Address:        "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		FamilyID:       "family-1",
		Scope:          "sensitive",
		AccessExpiry:   accessExpiry,
		RefreshExpiry:  accessExpiry.Add(24 * time.Hour),
		DPoPThumbprint: "thumb",
		State:          core.SessionActive,
		CreatedAt:      time.Now(),
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	tk := newTokenizer(t)
	sess := testSession(time.Now().Add(15 * time.Minute))

	token, err := tk.SessionToAccessToken(sess)
	require.NoError(t, err)

	got, err := tk.AccessTokenToSession(token)
	require.NoError(t, err)

	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, sess.Address, got.Address)
	assert.Equal(t, sess.FamilyID, got.FamilyID)
	assert.Equal(t, sess.Scope, got.Scope)
	assert.Equal(t, sess.DPoPThumbprint, got.DPoPThumbprint)
}

func TestAccessTokenExpired(t *testing.T) {
	tk := newTokenizer(t)
	sess := testSession(time.Now().Add(-time.Minute))

	token, err := tk.SessionToAccessToken(sess)
	require.NoError(t, err)

	_, err = tk.AccessTokenToSession(token)
	assert.ErrorIs(t, err, core.ErrTokenExpired)
}

func TestAccessTokenWrongKey(t *testing.T) {
	minter := newTokenizer(t)
	verifier := newTokenizer(t)

	token, err := minter.SessionToAccessToken(testSession(time.Now().Add(time.Minute)))
	require.NoError(t, err)

	_, err = verifier.AccessTokenToSession(token)
	assert.ErrorIs(t, err, core.ErrInvalidToken)
}

func TestAccessTokenGarbage(t *testing.T) {
	tk := newTokenizer(t)

	_, err := tk.AccessTokenToSession("not.a.jwt")
	assert.ErrorIs(t, err, core.ErrInvalidToken)
}

func TestNewRefreshToken(t *testing.T) {
	tk := newTokenizer(t)

	token, hash, err := tk.NewRefreshToken()
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Len(t, hash, 64) // hex sha256
	assert.Equal(t, hash, tk.HashRefreshToken(token))

	other, otherHash, err := tk.NewRefreshToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
	assert.NotEqual(t, hash, otherHash)
}
