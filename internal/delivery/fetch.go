package delivery

import (
	"context"
	"time"

	"github.com/agentmail-protocol/agentmail/internal/metrics"
	"github.com/agentmail-protocol/agentmail/internal/models"
	"github.com/agentmail-protocol/agentmail/internal/provider"
	"github.com/agentmail-protocol/agentmail/internal/security"
	"github.com/agentmail-protocol/agentmail/internal/store"
	"github.com/agentmail-protocol/agentmail/internal/wire"
)

// Fetch pulls pending messages from every registered provider, skips ids
// already stored locally, verifies signatures where a sender key is
// available, applies security processing, persists, and acknowledges.
// Idempotent: fetching the same remote id twice stores exactly one copy.
func (o *Orchestrator) Fetch(ctx context.Context) ([]*models.Message, error) {
	regs, err := provider.LoadRegistrations(o.id.RegistrationsDir())
	if err != nil {
		return nil, err
	}

	var stored []*models.Message
	for domain, reg := range regs {
		client := o.clientFor(domain, reg)
		if client == nil {
			continue
		}

		msgs, err := client.Fetch(ctx, reg)
		if err != nil {
			o.logger.Warn().Err(err).Str("provider", domain).Msg("fetch failed")
			continue // one unreachable provider must not block the rest
		}

		for _, msg := range msgs {
			id := msg.Envelope.ID
			if !store.ValidID(id) {
				o.logger.Warn().Str("id", id).Str("provider", domain).
					Msg("dropping message with unsafe id")
				continue
			}
			if o.store.Has(id) {
				metrics.FetchDuplicates.Inc()
				continue
			}

			state := o.verifySignature(ctx, client, reg, msg)
			msg.Status = models.StatusUnread
			msg.ReceivedAt = models.Timestamp(time.Now())
			msg.FetchedFrom = domain
			security.Apply(msg, state, o.id.Tenant, o.defaults())

			if err := o.store.SaveInbox(msg); err != nil {
				o.logger.Error().Err(err).Str("id", id).Msg("persist fetched message")
				continue
			}
			metrics.MessagesFetched.WithLabelValues(domain).Inc()
			stored = append(stored, msg)

			// Best-effort: a failed ack means redelivery, which dedup absorbs.
			if err := client.Ack(ctx, reg, id); err != nil {
				o.logger.Warn().Err(err).Str("id", id).Msg("ack failed")
			}
		}
	}
	return stored, nil
}

// clientFor returns the mesh client for the mesh domain and dials external
// providers at their registered base URL.
func (o *Orchestrator) clientFor(domain string, reg *provider.Registration) provider.Client {
	if domain == o.cfg.MeshDomain {
		return o.mesh
	}
	if reg.BaseURL == "" || o.dialer == nil {
		return nil
	}
	return o.dialer(reg.BaseURL)
}

// verifySignature classifies a fetched message's signature. A present
// signature with no available sender key is unverified, which downstream
// trust handling accepts rather than rejects.
func (o *Orchestrator) verifySignature(ctx context.Context, client provider.Client, reg *provider.Registration, msg *models.Message) models.SignatureState {
	if msg.Envelope.Signature == "" {
		return models.SignatureAbsent
	}

	keyB64, err := client.LookupKey(ctx, reg, msg.Envelope.From)
	if err != nil || keyB64 == "" {
		return models.SignatureUnverified
	}
	pub, err := wire.ValidatePublicKey(keyB64)
	if err != nil {
		return models.SignatureUnverified
	}

	hash, err := wire.PayloadHash(msg.Payload)
	if err != nil {
		return models.SignatureInvalid
	}
	s := wire.SigningString(msg.Envelope.From, msg.Envelope.To, msg.Envelope.Subject,
		string(msg.Envelope.Priority), msg.Envelope.InReplyTo, hash)
	if err := wire.Verify(pub, s, msg.Envelope.Signature); err != nil {
		return models.SignatureInvalid
	}
	return models.SignatureValid
}
