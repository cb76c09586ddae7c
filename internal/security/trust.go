package security

import (
	"github.com/agentmail-protocol/agentmail/internal/models"
)

// DetermineTrust classifies an inbound message. Cryptographic validity gates
// everything else: an invalid or absent signature is untrusted
// unconditionally. Otherwise the sender's tenant decides: same tenant is
// verified, any other tenant is external.
func DetermineTrust(senderTenant string, signatureValid bool, localTenant string) models.TrustLevel {
	if !signatureValid {
		return models.TrustUntrusted
	}
	if senderTenant == localTenant {
		return models.TrustVerified
	}
	return models.TrustExternal
}

// TrustFromState maps a signature verification state to a trust level.
// A present-but-unverifiable signature (no public key available) is
// accepted and falls through to the tenant comparison; only invalid or
// absent signatures force untrusted.
func TrustFromState(senderTenant string, state models.SignatureState, localTenant string) models.TrustLevel {
	switch state {
	case models.SignatureValid, models.SignatureUnverified:
		return DetermineTrust(senderTenant, true, localTenant)
	default:
		return models.TrustUntrusted
	}
}
