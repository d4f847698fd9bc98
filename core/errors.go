package core

import "errors"

var (
	ErrChallengeNotFound        = errors.New("challenge not found")
	ErrChallengeExpired         = errors.New("challenge has expired")
	ErrChallengeAlreadyConsumed = errors.New("challenge already consumed")
	ErrChallengeLimitExceeded   = errors.New("too many outstanding challenges")

	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidAddress   = errors.New("invalid ethereum address")

	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session has expired")
	ErrSessionRevoked  = errors.New("session has been revoked")
	ErrReuseDetected   = errors.New("refresh token reuse detected")

	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token has expired")

	ErrDPoPVerification = errors.New("dpop proof verification failed")

	ErrRateLimited = errors.New("rate limited")
	ErrRiskDenied  = errors.New("denied by risk policy")
	ErrStepUp      = errors.New("step-up verification required")

	ErrProofOfWorkRequired = errors.New("proof of work required")
	ErrProofOfWorkInvalid  = errors.New("proof of work solution invalid")

	ErrStoreOperationFailed = errors.New("store operation failed")
)

// AuthFailure reports whether err is one of the authentication failures that
// must be collapsed into a uniform public response. Keeping the check here
// means the transport layer cannot accidentally leak which precondition
// failed.
func AuthFailure(err error) bool {
	for _, e := range []error{
		ErrChallengeNotFound,
		ErrChallengeExpired,
		ErrChallengeAlreadyConsumed,
		ErrInvalidSignature,
		ErrInvalidAddress,
		ErrSessionNotFound,
		ErrSessionExpired,
		ErrSessionRevoked,
		ErrReuseDetected,
		ErrInvalidToken,
		ErrTokenExpired,
		ErrDPoPVerification,
		ErrRiskDenied,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
