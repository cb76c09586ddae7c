// Package delivery is the routing engine: it composes and signs envelopes,
// chooses among external-provider, mesh, and co-located filesystem delivery,
// and runs the inbound fetch pipeline. Every send attempt ends in either a
// persisted delivery or a reported error, never a silent drop.
package delivery

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentmail-protocol/agentmail/internal/address"
	"github.com/agentmail-protocol/agentmail/internal/attachment"
	"github.com/agentmail-protocol/agentmail/internal/config"
	"github.com/agentmail-protocol/agentmail/internal/identity"
	"github.com/agentmail-protocol/agentmail/internal/metrics"
	"github.com/agentmail-protocol/agentmail/internal/models"
	"github.com/agentmail-protocol/agentmail/internal/provider"
	"github.com/agentmail-protocol/agentmail/internal/security"
	"github.com/agentmail-protocol/agentmail/internal/store"
	"github.com/agentmail-protocol/agentmail/internal/wire"
)

var (
	// ErrNotRegistered is returned for external recipients whose provider the
	// identity never registered with. Terminal; there is no auto-registration
	// for external providers.
	ErrNotRegistered = errors.New("not registered with provider")

	// ErrUnroutable is returned when no delivery path exists for a local
	// recipient: mesh unreachable, auto-registration failed, and the
	// recipient is not co-located.
	ErrUnroutable = errors.New("no delivery route to recipient")
)

// Route names for receipts and metrics.
const (
	RouteExternal = "external"
	RouteMesh     = "mesh"
	RouteDirect   = "direct"
)

// Receipt reports a completed delivery.
type Receipt struct {
	MessageID string
	Route     string
	Status    string
}

// SendOptions are the optional parameters of a send.
type SendOptions struct {
	Type        models.MessageType
	Priority    models.Priority
	InReplyTo   string
	Context     map[string]interface{}
	Attachments []string // file paths
}

// Orchestrator drives sends and fetches for one identity. Single-flow per
// invocation; the filesystem is the only shared state.
type Orchestrator struct {
	id     *identity.Identity
	cfg    *config.Config
	store  *store.FileStore
	mesh   provider.Client
	dialer func(baseURL string) provider.Client // external provider factory
	logger zerolog.Logger
	poll   attachment.PollOptions
}

// New builds an orchestrator. mesh may be nil when no mesh URL is
// configured; dialer builds clients for external providers from their
// registered base URLs.
func New(id *identity.Identity, cfg *config.Config, st *store.FileStore, mesh provider.Client, dialer func(string) provider.Client, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		id:     id,
		cfg:    cfg,
		store:  st,
		mesh:   mesh,
		dialer: dialer,
		logger: logger,
		poll:   attachment.DefaultPollOptions(),
	}
}

// SetPollOptions overrides scan polling, mainly for tests.
func (o *Orchestrator) SetPollOptions(p attachment.PollOptions) { o.poll = p }

func (o *Orchestrator) defaults() address.Defaults {
	return address.Defaults{Tenant: o.id.Tenant, Provider: o.id.Provider}
}

func (o *Orchestrator) limits() attachment.Limits {
	return attachment.Limits{
		MaxCount:     o.cfg.MaxAttachments,
		MaxFileSize:  o.cfg.MaxAttachmentSize,
		MaxTotalSize: o.cfg.MaxTotalAttachment,
	}
}

// Compose builds an unsigned message to a recipient, resolving the address
// and validating attachments before any network call.
func (o *Orchestrator) Compose(to, subject, body string, opts SendOptions) (*models.Message, []attachment.Prepared, error) {
	if opts.Type == "" {
		opts.Type = models.TypeNotification
	}
	if opts.Priority == "" {
		opts.Priority = models.PriorityNormal
	}
	if !opts.Type.Valid() {
		return nil, nil, fmt.Errorf("invalid message type %q", opts.Type)
	}
	if !opts.Priority.Valid() {
		return nil, nil, fmt.Errorf("invalid priority %q", opts.Priority)
	}

	prepared, err := attachment.Validate(opts.Attachments, o.limits())
	if err != nil {
		return nil, nil, err
	}

	recipient := address.Resolve(to, o.defaults())
	id := models.NewMessageID()

	msg := &models.Message{
		Envelope: models.Envelope{
			Version:   models.EnvelopeVersion,
			ID:        id,
			From:      o.id.Address(),
			To:        recipient.String(),
			Subject:   subject,
			Priority:  opts.Priority,
			Timestamp: models.Timestamp(time.Now()),
			ThreadID:  o.threadID(id, opts.InReplyTo),
			InReplyTo: opts.InReplyTo,
		},
		Payload: models.Payload{
			Type:        opts.Type,
			Message:     body,
			Context:     opts.Context,
			Attachments: make([]models.Attachment, 0, len(prepared)),
		},
	}
	for _, p := range prepared {
		msg.Payload.Attachments = append(msg.Payload.Attachments, p.Meta)
	}
	return msg, prepared, nil
}

// threadID returns the thread root: the parent's thread when the parent is
// known locally, the parent id when it is not, or the message's own id for a
// fresh thread.
func (o *Orchestrator) threadID(selfID, inReplyTo string) string {
	if inReplyTo == "" {
		return selfID
	}
	if parent, err := o.store.FindByID(inReplyTo); err == nil && parent.Envelope.ThreadID != "" {
		return parent.Envelope.ThreadID
	}
	return inReplyTo
}

// sign recomputes the canonical signing string and signature over the wire
// form of the message: local-only fields are stripped before hashing so the
// counterparty recomputes the same payload hash. Must be called again
// whenever the envelope's from address changes.
func (o *Orchestrator) sign(msg *models.Message) error {
	hash, err := wire.PayloadHash(msg.StripLocal().Payload)
	if err != nil {
		return err
	}
	s := wire.SigningString(msg.Envelope.From, msg.Envelope.To, msg.Envelope.Subject,
		string(msg.Envelope.Priority), msg.Envelope.InReplyTo, hash)
	sig, err := wire.Sign(o.id.PrivateKey, s)
	if err != nil {
		return err
	}
	msg.Envelope.Signature = sig
	return nil
}

// Send composes, signs, routes, and persists a message. This is the send
// state machine of the delivery engine.
func (o *Orchestrator) Send(ctx context.Context, to, subject, body string, opts SendOptions) (*Receipt, error) {
	msg, prepared, err := o.Compose(to, subject, body, opts)
	if err != nil {
		metrics.SendFailures.WithLabelValues("validation").Inc()
		return nil, err
	}

	recipient := address.Resolve(to, o.defaults())
	if recipient.IsLocal(o.cfg.MeshDomain, o.cfg.MeshAliases) {
		return o.sendLocal(ctx, msg, prepared)
	}
	return o.sendExternal(ctx, msg, prepared, recipient)
}

// sendExternal delivers to a federated provider. Requires an existing
// registration; re-stamps from with the provider-specific address and
// re-signs before submission. Non-2xx is reported, not retried.
func (o *Orchestrator) sendExternal(ctx context.Context, msg *models.Message, prepared []attachment.Prepared, recipient address.Address) (*Receipt, error) {
	reg, err := provider.LookupRegistration(o.id.RegistrationsDir(), recipient.Provider)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		metrics.SendFailures.WithLabelValues("not_registered").Inc()
		return nil, fmt.Errorf("%w: %s (register with the provider before sending)", ErrNotRegistered, recipient.Provider)
	}

	client := o.dialer(reg.BaseURL)
	if err := o.transferAttachments(ctx, msg, prepared, client, reg); err != nil {
		metrics.SendFailures.WithLabelValues("attachment").Inc()
		return nil, err
	}

	// External delivery goes out under the provider-assigned address, so the
	// envelope must be re-signed over the new from.
	msg.Envelope.From = reg.Address
	if err := o.sign(msg); err != nil {
		return nil, err
	}

	result, err := client.Route(ctx, msg, reg)
	if err != nil {
		metrics.SendFailures.WithLabelValues("provider").Inc()
		return nil, err
	}

	if err := o.persistSent(msg); err != nil {
		return nil, err
	}
	metrics.MessagesSent.WithLabelValues(RouteExternal).Inc()
	o.logger.Info().Str("id", msg.Envelope.ID).Str("to", msg.Envelope.To).
		Str("route", RouteExternal).Str("status", result.Status).Msg("message delivered")
	return &Receipt{MessageID: msg.Envelope.ID, Route: RouteExternal, Status: result.Status}, nil
}

// sendLocal delivers within the mesh: registered route first, one-shot
// auto-registration next, co-located filesystem delivery as the safe
// fallback, and an explicit error when nothing applies.
func (o *Orchestrator) sendLocal(ctx context.Context, msg *models.Message, prepared []attachment.Prepared) (*Receipt, error) {
	reg, err := provider.LookupRegistration(o.id.RegistrationsDir(), o.cfg.MeshDomain)
	if err != nil {
		return nil, err
	}

	if reg == nil && o.mesh != nil {
		reg = o.autoRegister(ctx)
	}

	if reg != nil && o.mesh != nil {
		if err := o.transferAttachments(ctx, msg, prepared, o.mesh, reg); err != nil {
			metrics.SendFailures.WithLabelValues("attachment").Inc()
			return nil, err
		}
		if err := o.sign(msg); err != nil {
			return nil, err
		}
		result, routeErr := o.mesh.Route(ctx, msg, reg)
		if routeErr == nil {
			if err := o.persistSent(msg); err != nil {
				return nil, err
			}
			metrics.MessagesSent.WithLabelValues(RouteMesh).Inc()
			o.logger.Info().Str("id", msg.Envelope.ID).Str("to", msg.Envelope.To).
				Str("route", RouteMesh).Msg("message delivered")
			return &Receipt{MessageID: msg.Envelope.ID, Route: RouteMesh, Status: result.Status}, nil
		}
		// A provider rejection is a policy decision, not an outage: report it
		// instead of delivering the refused message through the filesystem.
		var provErr *provider.Error
		if errors.As(routeErr, &provErr) {
			metrics.SendFailures.WithLabelValues("provider").Inc()
			return nil, routeErr
		}
		o.logger.Warn().Err(routeErr).Str("id", msg.Envelope.ID).
			Msg("mesh unreachable, trying co-located delivery")
	}

	return o.sendDirect(msg, prepared)
}

// autoRegister attempts one-shot mesh registration with the local public
// key. Failure is logged and degrades to the filesystem fallback.
func (o *Orchestrator) autoRegister(ctx context.Context) *provider.Registration {
	reg, err := o.mesh.Register(ctx, o.id.Name, o.id.Tenant, publicKeyB64(o.id))
	if err != nil {
		o.logger.Warn().Err(err).Msg("mesh auto-registration failed")
		return nil
	}
	if reg.Provider == "" {
		reg.Provider = o.cfg.MeshDomain
	}
	if err := provider.SaveRegistration(o.id.RegistrationsDir(), reg); err != nil {
		o.logger.Warn().Err(err).Msg("could not persist mesh registration")
	}
	metrics.Registrations.WithLabelValues(provider.KindMesh.String()).Inc()
	o.logger.Info().Str("address", reg.Address).Msg("auto-registered with mesh")
	return reg
}

// sendDirect writes the message straight into a co-located recipient's inbox
// partition. Valid only when the recipient's identity directory exists on
// this host; local-only fields are stripped and the receiving side's
// security processing is applied before the write.
func (o *Orchestrator) sendDirect(msg *models.Message, prepared []attachment.Prepared) (*Receipt, error) {
	recipient := address.Resolve(msg.Envelope.To, o.defaults())
	recipientDir := o.cfg.IdentityDir(recipient.Name)
	if !identity.Exists(recipientDir) {
		metrics.SendFailures.WithLabelValues("unroutable").Inc()
		return nil, fmt.Errorf("%w: %s (mesh unavailable and %q is not on this host)",
			ErrUnroutable, msg.Envelope.To, recipient.Name)
	}

	// Attachments stay in local storage; the inbox record carries metadata
	// with the digest for later verification.
	if err := o.storeAttachmentsLocally(msg, prepared); err != nil {
		return nil, err
	}
	if err := o.sign(msg); err != nil {
		return nil, err
	}

	inbound := msg.StripLocal()
	inbound.Status = models.StatusUnread
	inbound.ReceivedAt = models.Timestamp(time.Now())

	// Receiver-side trust processing: we hold the key we just signed with,
	// so the signature state is known-valid.
	recipientTenant := recipient.Tenant
	security.Apply(inbound, models.SignatureValid, recipientTenant, o.defaults())

	if err := store.New(recipientDir).SaveInbox(inbound); err != nil {
		return nil, fmt.Errorf("direct delivery to %s: %w", msg.Envelope.To, err)
	}

	if err := o.persistSent(msg); err != nil {
		return nil, err
	}
	metrics.MessagesSent.WithLabelValues(RouteDirect).Inc()
	o.logger.Info().Str("id", msg.Envelope.ID).Str("to", msg.Envelope.To).
		Str("route", RouteDirect).Msg("message delivered")
	return &Receipt{MessageID: msg.Envelope.ID, Route: RouteDirect, Status: "delivered"}, nil
}

// transferAttachments uploads validated attachments when the provider holds
// a credential, falling back to local-only storage otherwise.
func (o *Orchestrator) transferAttachments(ctx context.Context, msg *models.Message, prepared []attachment.Prepared, client provider.Client, reg *provider.Registration) error {
	if len(prepared) == 0 {
		return nil
	}
	if reg == nil || reg.Credential == "" {
		return o.storeAttachmentsLocally(msg, prepared)
	}

	uploader := &uploaderAdapter{client: client, reg: reg}
	for i, p := range prepared {
		att, err := attachment.Upload(ctx, uploader, p, o.poll, o.logger)
		if err != nil {
			return err
		}
		msg.Payload.Attachments[i] = att
	}
	return nil
}

func (o *Orchestrator) storeAttachmentsLocally(msg *models.Message, prepared []attachment.Prepared) error {
	for i, p := range prepared {
		att, err := attachment.StoreLocal(p, o.id.AttachmentsDir())
		if err != nil {
			return err
		}
		msg.Payload.Attachments[i] = att
	}
	return nil
}

func (o *Orchestrator) persistSent(msg *models.Message) error {
	msg.SentAt = models.Timestamp(time.Now())
	return o.store.SaveSent(msg)
}

func publicKeyB64(id *identity.Identity) string {
	return base64.StdEncoding.EncodeToString(id.PublicKey)
}

// uploaderAdapter binds a provider client and registration to the
// attachment engine's Uploader interface.
type uploaderAdapter struct {
	client provider.Client
	reg    *provider.Registration
}

func (u *uploaderAdapter) InitUpload(ctx context.Context, meta models.Attachment) (string, string, error) {
	slot, err := u.client.InitUpload(ctx, u.reg, meta)
	if err != nil {
		return "", "", err
	}
	return slot.UploadURL, slot.AttachmentID, nil
}

func (u *uploaderAdapter) UploadBytes(ctx context.Context, uploadURL string, r io.Reader, size int64, contentType string) error {
	return u.client.UploadBytes(ctx, uploadURL, r, size, contentType)
}

func (u *uploaderAdapter) ConfirmUpload(ctx context.Context, attachmentID string) error {
	return u.client.ConfirmUpload(ctx, u.reg, attachmentID)
}

func (u *uploaderAdapter) ScanStatus(ctx context.Context, attachmentID string) (models.ScanStatus, error) {
	return u.client.ScanStatus(ctx, u.reg, attachmentID)
}
