package enrollment

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the enrollment service.
var (
	// ErrNotFound is returned when no enrollment exists for the given id.
	ErrNotFound = errors.New("enrollment not found")

	// ErrDuplicateActive is returned when the requester already has a
	// non-terminal enrollment in flight.
	ErrDuplicateActive = errors.New("active enrollment already exists for instance")

	// ErrStaleSignature is returned when the signature timestamp falls
	// outside the replay-protection freshness window.
	ErrStaleSignature = errors.New("enrollment signature timestamp is stale")

	// ErrSignatureInvalid is returned when the enrollment signature does not
	// verify against the supplied certificate.
	ErrSignatureInvalid = errors.New("enrollment signature verification failed")

	// ErrCertificateInvalid is returned when the supplied certificate fails
	// structural or validity-window checks.
	ErrCertificateInvalid = errors.New("enrollment certificate is invalid")
)

// StateTransitionError reports an attempted illegal status transition. It
// names the exact from → to pair so callers can distinguish "already done"
// from a genuinely invalid request.
type StateTransitionError struct {
	EnrollmentID string
	From         Status
	To           Status
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for enrollment %s: %s → %s", e.EnrollmentID, e.From, e.To)
}

// IsStateTransition reports whether err is a StateTransitionError, returning it.
func IsStateTransition(err error) (*StateTransitionError, bool) {
	var ste *StateTransitionError
	if errors.As(err, &ste) {
		return ste, true
	}
	return nil, false
}
