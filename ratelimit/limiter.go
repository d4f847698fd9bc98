// Package ratelimit gates authentication operations with TTL-bucketed
// counters and an optional proof-of-work requirement for anonymous
// challenge issuance.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/chainpass/wcsap/core"
	"github.com/chainpass/wcsap/ports"
)

// Scope names one guarded operation class.
type Scope string

const (
	ScopeChallenge Scope = "challenge"
	ScopeVerify    Scope = "verify"
	ScopeRefresh   Scope = "refresh"
)

// Limit is a per-window request budget.
type Limit struct {
	Window time.Duration
	Max    int64
}

// Config holds the per-scope budgets and the lockout applied when a budget
// is exceeded. Lockout outlives the window reset.
type Config struct {
	PerWallet map[Scope]Limit
	PerOrigin map[Scope]Limit
	Lockout   time.Duration
}

// DefaultConfig returns conservative production defaults.
func DefaultConfig() Config {
	return Config{
		PerWallet: map[Scope]Limit{
			ScopeChallenge: {Window: time.Minute, Max: 5},
			ScopeVerify:    {Window: time.Minute, Max: 10},
			ScopeRefresh:   {Window: time.Minute, Max: 10},
		},
		PerOrigin: map[Scope]Limit{
			ScopeChallenge: {Window: time.Minute, Max: 30},
			ScopeVerify:    {Window: time.Minute, Max: 60},
			ScopeRefresh:   {Window: time.Minute, Max: 60},
		},
		Lockout: 15 * time.Minute,
	}
}

// LimitError carries the retry-after hint alongside core.ErrRateLimited.
type LimitError struct {
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *LimitError) Unwrap() error { return core.ErrRateLimited }

// Limiter enforces per-wallet and per-origin budgets. Counter increments are
// atomic in the backing store, so concurrent load cannot overshoot a budget
// by more than one request.
type Limiter struct {
	cfg     Config
	counter ports.Counter
}

// NewLimiter creates a limiter over the given counter backend.
func NewLimiter(cfg Config, counter ports.Counter) *Limiter {
	return &Limiter{cfg: cfg, counter: counter}
}

type charge struct {
	key   string
	limit Limit
}

// Allow charges one operation in scope against both the wallet and origin
// budgets. Exceeding either budget sets a lockout flag and returns a
// LimitError; a standing lockout rejects immediately.
func (l *Limiter) Allow(ctx context.Context, scope Scope, wallet, origin string) error {
	var charges []charge
	if wallet != "" {
		if limit, ok := l.cfg.PerWallet[scope]; ok {
			charges = append(charges, charge{key: "wallet:" + wallet, limit: limit})
		}
	}
	if origin != "" {
		if limit, ok := l.cfg.PerOrigin[scope]; ok {
			charges = append(charges, charge{key: "origin:" + origin, limit: limit})
		}
	}

	for _, c := range charges {
		remaining, err := l.counter.FlagTTL(ctx, "lockout:"+c.key)
		if err != nil {
			return err
		}
		if remaining > 0 {
			return &LimitError{RetryAfter: remaining}
		}
	}

	for _, c := range charges {
		allowed, retryAfter, err := l.counter.IncrementAndCheck(ctx, string(scope)+":"+c.key, c.limit.Window, c.limit.Max)
		if err != nil {
			return err
		}
		if !allowed {
			if err := l.counter.SetFlag(ctx, "lockout:"+c.key, l.cfg.Lockout); err != nil {
				return err
			}
			if retryAfter < l.cfg.Lockout {
				retryAfter = l.cfg.Lockout
			}
			return &LimitError{RetryAfter: retryAfter}
		}
	}

	return nil
}
