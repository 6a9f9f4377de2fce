package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure, with no infrastructure dependency.

var (
	// Commitment errors (recoverable, no state change)
	ErrUnsupportedAsset = errors.New("asset is not accepted for staking")
	ErrInvalidStake     = errors.New("invalid stake")
	ErrNotFound         = errors.New("commitment not found")
	ErrAlreadyResolved  = errors.New("commitment already resolved")
	ErrEmptyProof       = errors.New("proof reference is empty")

	// Resolution preconditions, checked under the engine's writer lock.
	ErrProofMismatch  = errors.New("evidence does not match the recorded proof")
	ErrProofSubmitted = errors.New("commitment has evidence awaiting verification")
	ErrNotExpired     = errors.New("commitment deadline has not passed")

	// Access errors
	ErrNotCurrentOwner  = errors.New("caller is not the current resolver")
	ErrNotAuthorized    = errors.New("caller is not authorized for this operation")
	ErrInvalidPrincipal = errors.New("invalid principal address")

	// Integrity faults: the conservation invariant is already broken.
	// Never retried, never swallowed.
	ErrInsufficientCustody = errors.New("insufficient custody balance")
	ErrIntegrity           = errors.New("custody integrity violated")

	// Collaborator errors
	ErrEvidenceUnavailable = errors.New("evidence service unavailable")
	ErrEvidenceRejected    = errors.New("evidence rejected by upload service")
	ErrVerifierUnavailable = errors.New("verification service unavailable")
)

// IsIntegrityFault reports whether err signals a broken custody invariant.
func IsIntegrityFault(err error) bool {
	return errors.Is(err, ErrInsufficientCustody) || errors.Is(err, ErrIntegrity)
}
