package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chainpass/wcsap/core"
)

func TestEvaluateCleanLogin(t *testing.T) {
	e := NewEngine(DefaultConfig())

	got := e.Evaluate(Signals{
		Origin:           core.Origin{Fingerprint: "fp-1"},
		KnownFingerprint: true,
		Now:              time.Now(),
	})

	assert.Equal(t, DecisionAllow, got.Decision)
	assert.Zero(t, got.Score)
}

func TestEvaluateImplausibleTravel(t *testing.T) {
	e := NewEngine(DefaultConfig())

	// Previous login in Sydney one hour ago, current login from London on
	// a never-seen device.
	lastLogin := time.Now().Add(-time.Hour)
	got := e.Evaluate(Signals{
		Origin: core.Origin{
			Fingerprint: "fp-new",
			Latitude:    51.5074,
			Longitude:   -0.1278,
		},
		LastLogin:     &lastLogin,
		LastLatitude:  -33.8688,
		LastLongitude: 151.2093,
		Now:           time.Now(),
	})

	assert.Equal(t, 1.0, got.Factors["geovelocity"])
	assert.Equal(t, DecisionStepUp, got.Decision)
}

func TestEvaluateDenyOnStackedSignals(t *testing.T) {
	e := NewEngine(DefaultConfig())

	lastLogin := time.Now().Add(-time.Minute)
	got := e.Evaluate(Signals{
		Origin: core.Origin{
			Fingerprint: "fp-new",
			Latitude:    51.5074,
			Longitude:   -0.1278,
		},
		LastLogin:      &lastLogin,
		LastLatitude:   -33.8688,
		LastLongitude:  151.2093,
		RecentFailures: 20,
		SessionAnomaly: true,
		Now:            time.Now(),
	})

	assert.Equal(t, DecisionDeny, got.Decision)
	assert.GreaterOrEqual(t, got.Score, 0.8)
}

func TestEvaluateStepUpOnNovelty(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StepUpThreshold = 0.2
	e := NewEngine(cfg)

	got := e.Evaluate(Signals{
		Origin: core.Origin{Fingerprint: "fp-never-seen"},
		Now:    time.Now(),
	})

	assert.Equal(t, DecisionStepUp, got.Decision)
}

func TestFailureFactorSaturates(t *testing.T) {
	e := NewEngine(DefaultConfig())

	low := e.Evaluate(Signals{RecentFailures: 2, KnownFingerprint: true, Origin: core.Origin{Fingerprint: "f"}, Now: time.Now()})
	high := e.Evaluate(Signals{RecentFailures: 50, KnownFingerprint: true, Origin: core.Origin{Fingerprint: "f"}, Now: time.Now()})

	assert.Less(t, low.Factors["failure_history"], high.Factors["failure_history"])
	assert.Equal(t, 1.0, high.Factors["failure_history"])
}

func TestHaversine(t *testing.T) {
	// London to Paris is roughly 344 km.
	d := haversineKm(51.5074, -0.1278, 48.8566, 2.3522)
	assert.InDelta(t, 344, d, 10)
}
