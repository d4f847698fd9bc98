package service

import "time"

// Config holds the tunables of the authentication core. Thresholds and TTLs
// live here rather than in the components so a deployment can configure them
// in one place.
type Config struct {
	// ChallengeTTL is how long an issued challenge stays signable.
	ChallengeTTL time.Duration

	// MaxOutstandingChallenges caps un-expired issued challenges per
	// wallet, preventing challenge flooding.
	MaxOutstandingChallenges int

	// ChallengeDomain is the service identifier embedded in signable
	// messages so signatures cannot be replayed across deployments.
	ChallengeDomain string

	// AccessTTL and RefreshTTL are the token lifetimes.
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// FailureWindow is the lookback for the failed-attempt risk signal.
	FailureWindow time.Duration

	// StepUpTTL is how long a completed first step-up cycle stays valid
	// while the client performs the second one.
	StepUpTTL time.Duration

	// OperationTimeout bounds verify and refresh end to end. Operations
	// fail closed on timeout.
	OperationTimeout time.Duration

	// RequireProofOfWork gates challenge issuance behind a puzzle.
	RequireProofOfWork bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ChallengeTTL:             2 * time.Minute,
		MaxOutstandingChallenges: 3,
		ChallengeDomain:          "wcsap",
		AccessTTL:                15 * time.Minute,
		RefreshTTL:               7 * 24 * time.Hour,
		FailureWindow:            time.Hour,
		StepUpTTL:                5 * time.Minute,
		OperationTimeout:         10 * time.Second,
		RequireProofOfWork:       false,
	}
}
