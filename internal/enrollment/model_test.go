package enrollment

import "testing"

func TestCanTransition_linearChain(t *testing.T) {
	chain := []Status{
		StatusPendingVerification,
		StatusFingerprintVerified,
		StatusApproved,
		StatusCredentialsExchanged,
		StatusActive,
	}
	for n := 0; n < len(chain)-1; n++ {
		if !CanTransition(chain[n], chain[n+1]) {
			t.Errorf("expected %s → %s to be legal", chain[n], chain[n+1])
		}
	}
	// No skipping ahead.
	if CanTransition(StatusPendingVerification, StatusApproved) {
		t.Error("pending_verification → approved should be illegal")
	}
	if CanTransition(StatusApproved, StatusActive) {
		t.Error("approved → active should be illegal")
	}
}

func TestCanTransition_rejectionEdges(t *testing.T) {
	for _, from := range []Status{StatusPendingVerification, StatusFingerprintVerified, StatusApproved, StatusCredentialsExchanged} {
		if !CanTransition(from, StatusRejected) {
			t.Errorf("expected %s → rejected to be legal", from)
		}
	}
	if CanTransition(StatusActive, StatusRejected) {
		t.Error("active → rejected should be illegal (use revoked)")
	}
	if !CanTransition(StatusActive, StatusRevoked) {
		t.Error("active → revoked should be legal")
	}
}

func TestCanTransition_terminalStatesAbsorb(t *testing.T) {
	all := []Status{
		StatusPendingVerification, StatusFingerprintVerified, StatusApproved,
		StatusCredentialsExchanged, StatusActive, StatusRejected, StatusRevoked, StatusExpired,
	}
	for _, terminal := range []Status{StatusRejected, StatusRevoked, StatusExpired} {
		for _, to := range all {
			if CanTransition(terminal, to) {
				t.Errorf("terminal %s → %s should be illegal", terminal, to)
			}
		}
	}
}

func TestCanTransition_noSelfLoops(t *testing.T) {
	for _, s := range []Status{
		StatusPendingVerification, StatusFingerprintVerified, StatusApproved,
		StatusCredentialsExchanged, StatusActive,
	} {
		if CanTransition(s, s) {
			t.Errorf("%s → %s should be illegal", s, s)
		}
	}
}
