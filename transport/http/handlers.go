package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chainpass/wcsap/core"
	"github.com/chainpass/wcsap/ratelimit"
	"github.com/chainpass/wcsap/service"
)

// authFailedMessage is the single public response body for every
// authentication failure. Distinguishing between a missing challenge, a bad
// signature and a revoked session would hand probers an oracle.
const authFailedMessage = "authentication failed"

// AuthHandlers contains the HTTP handlers for the auth endpoints.
type AuthHandlers struct {
	auth   *service.AuthService
	logger *zap.Logger
}

func NewAuthHandlers(auth *service.AuthService, logger *zap.Logger) *AuthHandlers {
	return &AuthHandlers{auth: auth, logger: logger}
}

type puzzlePayload struct {
	ID         string `json:"id" binding:"required"`
	Nonce      string `json:"nonce" binding:"required"`
	Difficulty int    `json:"difficulty" binding:"required"`
	ExpiresAt  int64  `json:"expires_at" binding:"required"`
	MAC        string `json:"mac" binding:"required"`
}

func (p *puzzlePayload) toPuzzle() *ratelimit.Puzzle {
	return &ratelimit.Puzzle{
		ID:         p.ID,
		Nonce:      p.Nonce,
		Difficulty: p.Difficulty,
		ExpiresAt:  p.ExpiresAt,
		MAC:        p.MAC,
	}
}

// Challenge issues a signing challenge for a wallet address.
func (h *AuthHandlers) Challenge(c *gin.Context) {
	var req struct {
		Address  string         `json:"address" binding:"required"`
		Puzzle   *puzzlePayload `json:"puzzle"`
		Solution string         `json:"solution"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	var puzzle *ratelimit.Puzzle
	if req.Puzzle != nil {
		puzzle = req.Puzzle.toPuzzle()
	}

	challenge, err := h.auth.Challenge(c.Request.Context(), req.Address, originFrom(c), puzzle, req.Solution)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrRateLimited):
			h.rateLimited(c, err)
		case errors.Is(err, core.ErrProofOfWorkRequired):
			c.JSON(http.StatusForbidden, gin.H{"error": "proof of work required"})
		case errors.Is(err, core.ErrProofOfWorkInvalid):
			c.JSON(http.StatusBadRequest, gin.H{"error": "proof of work rejected"})
		case errors.Is(err, core.ErrChallengeLimitExceeded):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many outstanding challenges"})
		case errors.Is(err, core.ErrInvalidAddress):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
		default:
			h.internal(c, err)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"challenge_id": challenge.ID,
		"message":      challenge.Message,
		"expires_at":   challenge.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// Verify consumes a challenge and exchanges a valid wallet signature for a
// token pair. A dpop_key in the request binds the session to that key.
func (h *AuthHandlers) Verify(c *gin.Context) {
	var req struct {
		ChallengeID string `json:"challenge_id" binding:"required"`
		Address     string `json:"address" binding:"required"`
		Signature   string `json:"signature" binding:"required"`
		DPoPKey     string `json:"dpop_key"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	pair, err := h.auth.Verify(c.Request.Context(), service.VerifyInput{
		ChallengeID: req.ChallengeID,
		Address:     req.Address,
		Signature:   req.Signature,
		DPoPKey:     []byte(req.DPoPKey),
		Origin:      originFrom(c),
	})
	if err != nil {
		switch {
		case errors.Is(err, core.ErrRateLimited):
			h.rateLimited(c, err)
		case errors.Is(err, core.ErrStepUp):
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "step_up_required",
				"message": "request a new challenge and sign it to continue",
			})
		case core.AuthFailure(err):
			h.authFailed(c, err)
		default:
			h.internal(c, err)
		}
		return
	}

	h.tokenPair(c, pair)
}

// Refresh rotates a refresh token for a new token pair.
func (h *AuthHandlers) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	pair, err := h.auth.Refresh(c.Request.Context(), req.RefreshToken, originFrom(c))
	if err != nil {
		switch {
		case errors.Is(err, core.ErrRateLimited):
			h.rateLimited(c, err)
		case core.AuthFailure(err):
			h.authFailed(c, err)
		default:
			h.internal(c, err)
		}
		return
	}

	h.tokenPair(c, pair)
}

// Logout revokes the session behind a refresh token. The response does not
// reveal whether the token was valid.
func (h *AuthHandlers) Logout(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
		Family       bool   `json:"family"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if err := h.auth.Logout(c.Request.Context(), req.RefreshToken, req.Family, originFrom(c)); err != nil {
		h.internal(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// Puzzle hands out a proof-of-work puzzle when the gate is enabled.
func (h *AuthHandlers) Puzzle(c *gin.Context) {
	if !h.auth.PoWRequired() {
		c.JSON(http.StatusNotFound, gin.H{"error": "proof of work not required"})
		return
	}

	puzzle, err := h.auth.IssuePuzzle(c.Request.Context())
	if err != nil {
		h.internal(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":         puzzle.ID,
		"nonce":      puzzle.Nonce,
		"difficulty": puzzle.Difficulty,
		"expires_at": puzzle.ExpiresAt,
		"mac":        puzzle.MAC,
	})
}

// Me returns the authenticated wallet for the presented access token.
func (h *AuthHandlers) Me(c *gin.Context) {
	address, exists := c.Get(contextAddress)
	if !exists {
		h.internal(c, errors.New("session missing from context"))
		return
	}
	scope, _ := c.Get(contextScope)

	c.JSON(http.StatusOK, gin.H{
		"address": address,
		"scope":   scope,
	})
}

// RevokeAll revokes every session in the caller's family. Routed behind the
// sensitive-scope requirement, so a stolen default-scope token cannot wipe
// the wallet's sessions.
func (h *AuthHandlers) RevokeAll(c *gin.Context) {
	address, ok := c.Get(contextAddress)
	familyID, okFamily := c.Get(contextFamilyID)
	if !ok || !okFamily {
		h.internal(c, errors.New("session missing from context"))
		return
	}

	if err := h.auth.RevokeAll(c.Request.Context(), address.(string), familyID.(string), originFrom(c)); err != nil {
		h.internal(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "all sessions revoked"})
}

func (h *AuthHandlers) tokenPair(c *gin.Context, pair *core.TokenPair) {
	c.JSON(http.StatusOK, gin.H{
		"access_token":   pair.AccessToken,
		"refresh_token":  pair.RefreshToken,
		"token_type":     "Bearer",
		"expires_in":     int(time.Until(pair.AccessExpiry).Seconds()),
		"refresh_expiry": pair.RefreshExpiry.UTC().Format(time.RFC3339),
		"session_id":     pair.SessionID,
	})
}

// authFailed sends the uniform response. The precise cause goes to the log
// and the audit trail, never to the client.
func (h *AuthHandlers) authFailed(c *gin.Context, err error) {
	h.logger.Debug("authentication failure", zap.Error(err))
	c.JSON(http.StatusUnauthorized, gin.H{"error": authFailedMessage})
}

func (h *AuthHandlers) rateLimited(c *gin.Context, err error) {
	var limitErr *ratelimit.LimitError
	if errors.As(err, &limitErr) {
		c.Header("Retry-After", strconv.Itoa(int(limitErr.RetryAfter.Seconds())))
	}
	c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
}

func (h *AuthHandlers) internal(c *gin.Context, err error) {
	h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
