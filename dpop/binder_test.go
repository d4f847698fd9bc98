package dpop

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testMethod = "POST"
	testURI    = "https://api.example.com/v1/orders"
	testToken  = "access-token-value"
)

func newTestBinder(t *testing.T) (*Binder, *Generator, string) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	gen := NewGenerator(priv)

	jwkJSON, err := gen.PublicJWK()
	require.NoError(t, err)
	thumbprint, err := Thumbprint(jwkJSON)
	require.NoError(t, err)

	cache := NewMemoryJTICache(time.Minute, 1000)
	t.Cleanup(func() { _ = cache.Close() })

	return NewBinder(DefaultConfig(), cache, nil), gen, thumbprint
}

func TestVerifyProof(t *testing.T) {
	binder, gen, thumbprint := newTestBinder(t)

	proof, err := gen.Generate(testMethod, testURI, testToken)
	require.NoError(t, err)

	assert.NoError(t, binder.VerifyProof(proof, testMethod, testURI, testToken, thumbprint))
}

func TestVerifyProofReplay(t *testing.T) {
	binder, gen, thumbprint := newTestBinder(t)

	proof, err := gen.Generate(testMethod, testURI, testToken)
	require.NoError(t, err)

	require.NoError(t, binder.VerifyProof(proof, testMethod, testURI, testToken, thumbprint))

	err = binder.VerifyProof(proof, testMethod, testURI, testToken, thumbprint)
	assert.ErrorIs(t, err, ErrReplay)
}

func TestVerifyProofWrongKey(t *testing.T) {
	binder, _, thumbprint := newTestBinder(t)

	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	other := NewGenerator(otherPriv)

	proof, err := other.Generate(testMethod, testURI, testToken)
	require.NoError(t, err)

	err = binder.VerifyProof(proof, testMethod, testURI, testToken, thumbprint)
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestVerifyProofMethodAndURIMismatch(t *testing.T) {
	binder, gen, thumbprint := newTestBinder(t)

	proof, err := gen.Generate(testMethod, testURI, testToken)
	require.NoError(t, err)

	err = binder.VerifyProof(proof, "GET", testURI, testToken, thumbprint)
	assert.ErrorIs(t, err, ErrInvalidProof)

	err = binder.VerifyProof(proof, testMethod, "https://api.example.com/other", testToken, thumbprint)
	assert.ErrorIs(t, err, ErrInvalidProof)
}

func TestVerifyProofStale(t *testing.T) {
	binder, gen, thumbprint := newTestBinder(t)

	proof, err := gen.GenerateAt(testMethod, testURI, testToken, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)

	err = binder.VerifyProof(proof, testMethod, testURI, testToken, thumbprint)
	assert.ErrorIs(t, err, ErrStale)
}

func TestVerifyProofWrongAccessToken(t *testing.T) {
	binder, gen, thumbprint := newTestBinder(t)

	proof, err := gen.Generate(testMethod, testURI, testToken)
	require.NoError(t, err)

	err = binder.VerifyProof(proof, testMethod, testURI, "stolen-other-token", thumbprint)
	assert.ErrorIs(t, err, ErrInvalidProof)
}

func TestVerifyProofGarbage(t *testing.T) {
	binder, _, thumbprint := newTestBinder(t)

	for name, proof := range map[string]string{
		"empty":     "",
		"two parts": "aaaa.bbbb",
		"not jwt":   "hello world",
	} {
		t.Run(name, func(t *testing.T) {
			err := binder.VerifyProof(proof, testMethod, testURI, testToken, thumbprint)
			assert.ErrorIs(t, err, ErrInvalidProof)
		})
	}
}

func TestNormalizeURI(t *testing.T) {
	for raw, want := range map[string]string{
		"https://API.Example.com:443/v1/orders?x=1#frag": "https://api.example.com/v1/orders",
		"http://example.com:80":                          "http://example.com/",
		"https://example.com:8443/a":                     "https://example.com:8443/a",
	} {
		got, err := NormalizeURI(raw)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := NormalizeURI("/relative/only")
	assert.Error(t, err)
}

func TestJTICacheConcurrent(t *testing.T) {
	cache := NewMemoryJTICache(time.Minute, 1000)
	t.Cleanup(func() { _ = cache.Close() })

	const goroutines = 32
	results := make(chan bool, goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			replay, err := cache.Record("same-jti")
			require.NoError(t, err)
			results <- replay
		}()
	}

	accepted := 0
	for i := 0; i < goroutines; i++ {
		if !<-results {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted, "exactly one presentation of a jti may be accepted")
}
