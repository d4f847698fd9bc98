// Package risk scores authentication events from contextual signals. Each
// login attempt is evaluated against weighted factors — fingerprint novelty,
// geovelocity, failed-attempt history and session anomalies — and mapped to
// an allow, step-up or deny decision against configurable thresholds.
package risk

import (
	"math"
	"time"

	"github.com/chainpass/wcsap/core"
)

// Decision is the engine's verdict on an authentication event.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionStepUp Decision = "step_up"
	DecisionDeny   Decision = "deny"
)

// Config holds the decision thresholds and factor weights. Scores range
// from 0.0 (safe) to 1.0 (high risk).
type Config struct {
	StepUpThreshold float64
	DenyThreshold   float64

	WeightNovelFingerprint float64
	WeightGeovelocity      float64
	WeightFailureHistory   float64
	WeightSessionAnomaly   float64

	// MaxPlausibleSpeedKmh bounds the distance/time between consecutive
	// logins before the geovelocity factor saturates.
	MaxPlausibleSpeedKmh float64

	// FailureSaturation is the failed-attempt count at which the failure
	// factor reaches 1.0.
	FailureSaturation int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		StepUpThreshold:        0.5,
		DenyThreshold:          0.8,
		WeightNovelFingerprint: 0.25,
		WeightGeovelocity:      0.30,
		WeightFailureHistory:   0.30,
		WeightSessionAnomaly:   0.15,
		MaxPlausibleSpeedKmh:   900, // airliner cruise speed
		FailureSaturation:      10,
	}
}

// Signals carries the contextual inputs for one authentication event. The
// caller assembles it from the current request and the wallet's history.
type Signals struct {
	Origin core.Origin

	// KnownFingerprint is true when the device fingerprint has been seen
	// on a previous successful login for this wallet.
	KnownFingerprint bool

	// LastLogin describes the previous successful login, if any.
	LastLogin     *time.Time
	LastLatitude  float64
	LastLongitude float64

	// RecentFailures is the failed-attempt count in the lookback window.
	RecentFailures int

	// SessionAnomaly flags anomalies detected on the wallet's existing
	// sessions (e.g. a recent family revocation for reuse).
	SessionAnomaly bool

	// Now is the evaluation time.
	Now time.Time
}

// Assessment is the result of scoring one event.
type Assessment struct {
	Score    float64            `json:"score"`
	Factors  map[string]float64 `json:"factors"`
	Decision Decision           `json:"decision"`
}

// Engine scores events against a fixed config. It is stateless and safe for
// concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine creates an engine with the given thresholds.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate scores the signals and maps the score to a decision.
func (e *Engine) Evaluate(signals Signals) Assessment {
	factors := map[string]float64{
		"fingerprint_novelty": e.fingerprintFactor(signals),
		"geovelocity":         e.geovelocityFactor(signals),
		"failure_history":     e.failureFactor(signals),
		"session_anomaly":     e.anomalyFactor(signals),
	}

	score := factors["fingerprint_novelty"]*e.cfg.WeightNovelFingerprint +
		factors["geovelocity"]*e.cfg.WeightGeovelocity +
		factors["failure_history"]*e.cfg.WeightFailureHistory +
		factors["session_anomaly"]*e.cfg.WeightSessionAnomaly

	decision := DecisionAllow
	switch {
	case score >= e.cfg.DenyThreshold:
		decision = DecisionDeny
	case score >= e.cfg.StepUpThreshold:
		decision = DecisionStepUp
	}

	return Assessment{Score: score, Factors: factors, Decision: decision}
}

func (e *Engine) fingerprintFactor(s Signals) float64 {
	if s.Origin.Fingerprint == "" {
		// No fingerprint at all is slightly worse than a known one.
		return 0.5
	}
	if s.KnownFingerprint {
		return 0
	}
	return 1
}

// geovelocityFactor saturates at 1.0 when the implied travel speed between
// consecutive logins exceeds what an airliner could cover.
func (e *Engine) geovelocityFactor(s Signals) float64 {
	if s.LastLogin == nil {
		return 0
	}
	elapsed := s.Now.Sub(*s.LastLogin).Hours()
	if elapsed <= 0 {
		elapsed = 1.0 / 3600 // clamp to one second
	}

	distance := haversineKm(s.LastLatitude, s.LastLongitude, s.Origin.Latitude, s.Origin.Longitude)
	speed := distance / elapsed
	if speed >= e.cfg.MaxPlausibleSpeedKmh {
		return 1
	}
	return speed / e.cfg.MaxPlausibleSpeedKmh
}

func (e *Engine) failureFactor(s Signals) float64 {
	if s.RecentFailures <= 0 {
		return 0
	}
	f := float64(s.RecentFailures) / float64(e.cfg.FailureSaturation)
	if f > 1 {
		return 1
	}
	return f
}

func (e *Engine) anomalyFactor(s Signals) float64 {
	if s.SessionAnomaly {
		return 1
	}
	return 0
}

const earthRadiusKm = 6371

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
