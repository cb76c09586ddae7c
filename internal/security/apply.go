package security

import (
	"time"

	"github.com/agentmail-protocol/agentmail/internal/address"
	"github.com/agentmail-protocol/agentmail/internal/metrics"
	"github.com/agentmail-protocol/agentmail/internal/models"
)

// Apply runs the full inbound pipeline on a message: trust classification,
// pattern detection over the body and attachment filenames, and mandatory
// wrapping for external/untrusted content. It records the outcome in the
// message's local security metadata and replaces the payload body with the
// wrapped text when applicable. Must run before the message is exposed to
// any downstream consumer.
func Apply(msg *models.Message, state models.SignatureState, localTenant string, defaults address.Defaults) {
	sender := address.Resolve(msg.Envelope.From, defaults)
	trust := TrustFromState(sender.Tenant, state, localTenant)

	findings := Detect(msg.Payload.Message)
	for _, att := range msg.Payload.Attachments {
		findings = append(findings, Detect(att.Filename)...)
	}

	sec := &models.Security{
		Trust:          trust,
		SignatureState: state,
		Flags:          Categories(findings),
		VerifiedAt:     time.Now().UTC().Format(time.RFC3339),
	}

	if trust != models.TrustVerified {
		msg.Payload.Message = WrapContent(msg.Payload.Message, msg.Envelope.From, trust, findings)
		sec.Wrapped = true
	}
	msg.Security = sec

	for _, cat := range sec.Flags {
		metrics.InjectionDetections.WithLabelValues(cat).Inc()
	}
	if trust == models.TrustUntrusted {
		metrics.UntrustedMessages.Inc()
	}
}
