package http

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainpass/wcsap/adapters/store"
	"github.com/chainpass/wcsap/adapters/tokenizer"
	"github.com/chainpass/wcsap/audit"
	"github.com/chainpass/wcsap/dpop"
	"github.com/chainpass/wcsap/ports"
	"github.com/chainpass/wcsap/ratelimit"
	"github.com/chainpass/wcsap/risk"
	"github.com/chainpass/wcsap/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router *gin.Engine
}

func newTestServer(t *testing.T, mutate func(*service.Config, *ratelimit.Config, *risk.Config)) *testServer {
	t.Helper()

	clock := ports.SystemClock{}
	mem := store.NewMemoryStore(clock)

	signKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tok := tokenizer.NewJWTTokenizer(signKey)

	cfg := service.DefaultConfig()
	limitCfg := ratelimit.DefaultConfig()
	riskCfg := risk.DefaultConfig()
	// High thresholds keep the risk engine out of the way unless a test
	// opts back in.
	riskCfg.StepUpThreshold = 2
	riskCfg.DenyThreshold = 3
	if mutate != nil {
		mutate(&cfg, &limitCfg, &riskCfg)
	}

	logger := zap.NewNop()
	auditor := audit.NewDispatcher(audit.DefaultDispatcherConfig(), logger, audit.NopSink{})
	t.Cleanup(auditor.Close)

	var powGate *ratelimit.PoWGate
	if cfg.RequireProofOfWork {
		// Low difficulty keeps Solve fast in tests.
		powGate, err = ratelimit.NewPoWGate(ratelimit.PoWConfig{Difficulty: 8, TTL: time.Minute}, nil, mem, clock)
		require.NoError(t, err)
	}

	challenges := service.NewChallengeService(mem, clock, logger, cfg)
	sessions := service.NewSessionService(mem, tok, clock, logger, cfg)
	auth := service.NewAuthService(
		challenges,
		sessions,
		ratelimit.NewLimiter(limitCfg, mem),
		powGate,
		risk.NewEngine(riskCfg),
		mem,
		mem,
		auditor,
		clock,
		logger,
		cfg,
	)

	cache := dpop.NewMemoryJTICache(5*time.Minute, 1024)
	t.Cleanup(func() { _ = cache.Close() })
	binder := dpop.NewBinder(dpop.DefaultConfig(), cache, clock)

	return &testServer{router: SetupRouter(auth, binder, logger)}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

type httpWallet struct {
	key     *ecdsa.PrivateKey
	address string
}

func newHTTPWallet(t *testing.T) *httpWallet {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return &httpWallet{key: key, address: ethcrypto.PubkeyToAddress(key.PublicKey).Hex()}
}

func (w *httpWallet) sign(t *testing.T, message string) string {
	t.Helper()
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(message)), w.key)
	require.NoError(t, err)
	sig[64] += 27
	return hexutil.Encode(sig)
}

// login runs the full challenge and verify exchange, optionally binding the
// session to a DPoP key.
func (s *testServer) login(t *testing.T, w *httpWallet, dpopKey string) map[string]any {
	t.Helper()

	rec := s.do(t, http.MethodPost, "/auth/challenge", gin.H{"address": w.address}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	challenge := decodeBody(t, rec)

	verifyReq := gin.H{
		"challenge_id": challenge["challenge_id"],
		"address":      w.address,
		"signature":    w.sign(t, challenge["message"].(string)),
	}
	if dpopKey != "" {
		verifyReq["dpop_key"] = dpopKey
	}

	rec = s.do(t, http.MethodPost, "/auth/verify", verifyReq, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	return decodeBody(t, rec)
}

func TestLoginFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	wallet := newHTTPWallet(t)

	tokens := srv.login(t, wallet, "")
	assert.NotEmpty(t, tokens["access_token"])
	assert.NotEmpty(t, tokens["refresh_token"])
	assert.Equal(t, "Bearer", tokens["token_type"])

	rec := srv.do(t, http.MethodGet, "/api/me", nil, map[string]string{
		"Authorization": "Bearer " + tokens["access_token"].(string),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, wallet.address, decodeBody(t, rec)["address"])
}

func TestUniformFailureResponses(t *testing.T) {
	srv := newTestServer(t, nil)
	wallet := newHTTPWallet(t)
	imposter := newHTTPWallet(t)

	rec := srv.do(t, http.MethodPost, "/auth/challenge", gin.H{"address": wallet.address}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	challenge := decodeBody(t, rec)

	// Wrong signer.
	rec = srv.do(t, http.MethodPost, "/auth/verify", gin.H{
		"challenge_id": challenge["challenge_id"],
		"address":      wallet.address,
		"signature":    imposter.sign(t, challenge["message"].(string)),
	}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	wrongSigner := rec.Body.String()

	// Challenge that never existed.
	rec = srv.do(t, http.MethodPost, "/auth/verify", gin.H{
		"challenge_id": "00000000-0000-0000-0000-000000000000",
		"address":      wallet.address,
		"signature":    wallet.sign(t, "anything"),
	}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	missingChallenge := rec.Body.String()

	// Garbage refresh token.
	rec = srv.do(t, http.MethodPost, "/auth/refresh", gin.H{"refresh_token": "garbage"}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	badRefresh := rec.Body.String()

	assert.Equal(t, wrongSigner, missingChallenge)
	assert.Equal(t, wrongSigner, badRefresh)
}

func TestRefreshRotation(t *testing.T) {
	srv := newTestServer(t, nil)
	wallet := newHTTPWallet(t)
	tokens := srv.login(t, wallet, "")

	rec := srv.do(t, http.MethodPost, "/auth/refresh", gin.H{"refresh_token": tokens["refresh_token"]}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rotated := decodeBody(t, rec)
	assert.NotEqual(t, tokens["refresh_token"], rotated["refresh_token"])

	// The rotated-out token is now poison: presenting it burns the family.
	rec = srv.do(t, http.MethodPost, "/auth/refresh", gin.H{"refresh_token": tokens["refresh_token"]}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = srv.do(t, http.MethodPost, "/auth/refresh", gin.H{"refresh_token": rotated["refresh_token"]}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogout(t *testing.T) {
	srv := newTestServer(t, nil)
	wallet := newHTTPWallet(t)
	tokens := srv.login(t, wallet, "")

	rec := srv.do(t, http.MethodPost, "/auth/logout", gin.H{"refresh_token": tokens["refresh_token"]}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/me", nil, map[string]string{
		"Authorization": "Bearer " + tokens["access_token"].(string),
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Logout with a bogus token still returns OK.
	rec = srv.do(t, http.MethodPost, "/auth/logout", gin.H{"refresh_token": "bogus"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChallengeRateLimitHeaders(t *testing.T) {
	srv := newTestServer(t, func(_ *service.Config, l *ratelimit.Config, _ *risk.Config) {
		l.PerWallet[ratelimit.ScopeChallenge] = ratelimit.Limit{Window: time.Minute, Max: 1}
	})
	wallet := newHTTPWallet(t)

	rec := srv.do(t, http.MethodPost, "/auth/challenge", gin.H{"address": wallet.address}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodPost, "/auth/challenge", gin.H{"address": wallet.address}, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestDPoPBoundSession(t *testing.T) {
	srv := newTestServer(t, nil)
	wallet := newHTTPWallet(t)

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	gen := dpop.NewGenerator(priv)
	jwk, err := gen.PublicJWK()
	require.NoError(t, err)

	tokens := srv.login(t, wallet, string(jwk))
	accessToken := tokens["access_token"].(string)

	// Bound session, no proof: rejected.
	rec := srv.do(t, http.MethodGet, "/api/me", nil, map[string]string{
		"Authorization": "Bearer " + accessToken,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	proof, err := gen.Generate(http.MethodGet, "http://example.com/api/me", accessToken)
	require.NoError(t, err)

	rec = srv.do(t, http.MethodGet, "http://example.com/api/me", nil, map[string]string{
		"Authorization": "Bearer " + accessToken,
		"DPoP":          proof,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Replaying the same proof is rejected by the JTI cache.
	rec = srv.do(t, http.MethodGet, "http://example.com/api/me", nil, map[string]string{
		"Authorization": "Bearer " + accessToken,
		"DPoP":          proof,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRevokeAllRequiresSensitiveScope(t *testing.T) {
	srv := newTestServer(t, nil)
	wallet := newHTTPWallet(t)
	tokens := srv.login(t, wallet, "")

	rec := srv.do(t, http.MethodPost, "/api/sessions/revoke_all", nil, map[string]string{
		"Authorization": "Bearer " + tokens["access_token"].(string),
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRevokeAllAfterStepUp(t *testing.T) {
	srv := newTestServer(t, func(_ *service.Config, _ *ratelimit.Config, r *risk.Config) {
		r.StepUpThreshold = 0.2
		r.DenyThreshold = 3
	})
	wallet := newHTTPWallet(t)
	headers := map[string]string{"X-Device-Fingerprint": "fp-unseen"}

	verifyOnce := func() *httptest.ResponseRecorder {
		rec := srv.do(t, http.MethodPost, "/auth/challenge", gin.H{"address": wallet.address}, headers)
		require.Equal(t, http.StatusOK, rec.Code)
		challenge := decodeBody(t, rec)
		return srv.do(t, http.MethodPost, "/auth/verify", gin.H{
			"challenge_id": challenge["challenge_id"],
			"address":      wallet.address,
			"signature":    wallet.sign(t, challenge["message"].(string)),
		}, headers)
	}

	rec := verifyOnce()
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "step_up_required", decodeBody(t, rec)["error"])

	rec = verifyOnce()
	require.Equal(t, http.StatusOK, rec.Code)
	tokens := decodeBody(t, rec)
	accessToken := tokens["access_token"].(string)

	rec = srv.do(t, http.MethodPost, "/api/sessions/revoke_all", nil, map[string]string{
		"Authorization": "Bearer " + accessToken,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// The caller's own family is gone with everything else.
	rec = srv.do(t, http.MethodGet, "/api/me", nil, map[string]string{
		"Authorization": "Bearer " + accessToken,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = srv.do(t, http.MethodPost, "/auth/refresh", gin.H{"refresh_token": tokens["refresh_token"]}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProofOfWorkGatedChallenge(t *testing.T) {
	srv := newTestServer(t, func(cfg *service.Config, _ *ratelimit.Config, _ *risk.Config) {
		cfg.RequireProofOfWork = true
	})
	wallet := newHTTPWallet(t)

	// Without a solved puzzle the challenge endpoint refuses.
	rec := srv.do(t, http.MethodPost, "/auth/challenge", gin.H{"address": wallet.address}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = srv.do(t, http.MethodGet, "/auth/puzzle", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)

	puzzle := &ratelimit.Puzzle{
		ID:         body["id"].(string),
		Nonce:      body["nonce"].(string),
		Difficulty: int(body["difficulty"].(float64)),
		ExpiresAt:  int64(body["expires_at"].(float64)),
		MAC:        body["mac"].(string),
	}
	solution := ratelimit.Solve(puzzle)

	payload := gin.H{
		"address": wallet.address,
		"puzzle": gin.H{
			"id":         puzzle.ID,
			"nonce":      puzzle.Nonce,
			"difficulty": puzzle.Difficulty,
			"expires_at": puzzle.ExpiresAt,
			"mac":        puzzle.MAC,
		},
		"solution": solution,
	}

	rec = srv.do(t, http.MethodPost, "/auth/challenge", payload, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeBody(t, rec)["challenge_id"])

	// Puzzles are single use.
	rec = srv.do(t, http.MethodPost, "/auth/challenge", payload, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMissingFieldsRejected(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(t, http.MethodPost, "/auth/challenge", gin.H{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodPost, "/auth/verify", gin.H{"address": "0xabc"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodPost, "/auth/refresh", gin.H{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
