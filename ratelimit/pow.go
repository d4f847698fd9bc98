package ratelimit

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chainpass/wcsap/core"
	"github.com/chainpass/wcsap/ports"
)

// Puzzle is a server-issued proof-of-work statement. The caller must find a
// solution such that SHA-256(Nonce || solution) has Difficulty leading zero
// bits. The MAC makes puzzles stateless to verify; single use is enforced
// through an atomic counter on the puzzle id.
type Puzzle struct {
	ID         string `json:"id"`
	Nonce      string `json:"nonce"`
	Difficulty int    `json:"difficulty"`
	ExpiresAt  int64  `json:"expires_at"`
	MAC        string `json:"mac"`
}

// PoWConfig controls the proof-of-work gate.
type PoWConfig struct {
	// Difficulty in leading zero bits of the solution hash.
	Difficulty int

	// TTL bounds how long a puzzle stays solvable.
	TTL time.Duration
}

// DefaultPoWConfig returns a difficulty solvable in well under a second on
// commodity hardware while pricing out high-volume enumeration.
func DefaultPoWConfig() PoWConfig {
	return PoWConfig{
		Difficulty: 18,
		TTL:        2 * time.Minute,
	}
}

// PoWGate issues and verifies proof-of-work puzzles in front of anonymous
// challenge issuance.
type PoWGate struct {
	cfg     PoWConfig
	secret  []byte
	counter ports.Counter
	clock   ports.Clock
}

// NewPoWGate creates a gate. The secret keys the puzzle MAC; it only has to
// outlive the puzzle TTL, so a random boot-time secret is acceptable.
func NewPoWGate(cfg PoWConfig, secret []byte, counter ports.Counter, clock ports.Clock) (*PoWGate, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate pow secret: %w", err)
		}
	}
	if cfg.Difficulty <= 0 {
		cfg.Difficulty = DefaultPoWConfig().Difficulty
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultPoWConfig().TTL
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &PoWGate{cfg: cfg, secret: secret, counter: counter, clock: clock}, nil
}

// Issue mints a new puzzle.
func (g *PoWGate) Issue(_ context.Context) (*Puzzle, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate puzzle nonce: %w", err)
	}

	p := &Puzzle{
		ID:         uuid.New().String(),
		Nonce:      hex.EncodeToString(nonce),
		Difficulty: g.cfg.Difficulty,
		ExpiresAt:  g.clock.Now().Add(g.cfg.TTL).Unix(),
	}
	p.MAC = g.mac(p)
	return p, nil
}

// Verify checks a puzzle solution: MAC authenticity, expiry, difficulty and
// single use. The single-use check is an atomic increment, so two concurrent
// presentations of the same puzzle yield exactly one success.
func (g *PoWGate) Verify(ctx context.Context, p *Puzzle, solution string) error {
	if p == nil || solution == "" {
		return core.ErrProofOfWorkInvalid
	}

	if !hmac.Equal([]byte(p.MAC), []byte(g.mac(p))) {
		return core.ErrProofOfWorkInvalid
	}
	if g.clock.Now().Unix() > p.ExpiresAt {
		return core.ErrProofOfWorkInvalid
	}

	sum := sha256.Sum256([]byte(p.Nonce + solution))
	if leadingZeroBits(sum[:]) < p.Difficulty {
		return core.ErrProofOfWorkInvalid
	}

	allowed, _, err := g.counter.IncrementAndCheck(ctx, "pow:"+p.ID, g.cfg.TTL, 1)
	if err != nil {
		return err
	}
	if !allowed {
		return core.ErrProofOfWorkInvalid
	}

	return nil
}

// Solve searches for a valid solution by brute force. Exposed for clients
// and tests; the server never calls it.
func Solve(p *Puzzle) string {
	for i := 0; ; i++ {
		candidate := strconv.Itoa(i)
		sum := sha256.Sum256([]byte(p.Nonce + candidate))
		if leadingZeroBits(sum[:]) >= p.Difficulty {
			return candidate
		}
	}
}

func (g *PoWGate) mac(p *Puzzle) string {
	h := hmac.New(sha256.New, g.secret)
	h.Write([]byte(strings.Join([]string{
		p.ID,
		p.Nonce,
		strconv.Itoa(p.Difficulty),
		strconv.FormatInt(p.ExpiresAt, 10),
	}, "|")))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

func leadingZeroBits(sum []byte) int {
	total := 0
	for _, b := range sum {
		if b == 0 {
			total += 8
			continue
		}
		total += bits.LeadingZeros8(b)
		break
	}
	return total
}
