// Package agentmail is a federated, email-like messaging client for
// autonomous agents. It manages an Ed25519 identity, composes and signs
// message envelopes, routes them to the local mesh, external providers, or
// co-located identities, and applies trust and content-security processing
// to everything it receives.
package agentmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentmail-protocol/agentmail/internal/attachment"
	"github.com/agentmail-protocol/agentmail/internal/config"
	"github.com/agentmail-protocol/agentmail/internal/delivery"
	"github.com/agentmail-protocol/agentmail/internal/identity"
	"github.com/agentmail-protocol/agentmail/internal/models"
	"github.com/agentmail-protocol/agentmail/internal/provider"
	"github.com/agentmail-protocol/agentmail/internal/store"
)

// Re-exported engine types, so consumers only import this package.
type (
	Message     = models.Message
	Envelope    = models.Envelope
	Payload     = models.Payload
	Attachment  = models.Attachment
	TrustLevel  = models.TrustLevel
	ScanStatus  = models.ScanStatus
	Priority    = models.Priority
	MessageType = models.MessageType
	SendOptions = delivery.SendOptions
	Receipt     = delivery.Receipt
)

// Errors consumers are expected to branch on.
var (
	ErrNotRegistered = delivery.ErrNotRegistered
	ErrUnroutable    = delivery.ErrUnroutable
	ErrRejected      = attachment.ErrRejected
	ErrSuspicious    = attachment.ErrSuspicious
)

// Messenger is the consumer facade over the delivery engine, bound to one
// identity.
type Messenger struct {
	cfg    *config.Config
	id     *identity.Identity
	store  *store.FileStore
	orch   *delivery.Orchestrator
	logger zerolog.Logger
}

// Open loads the identity named by the environment (AGENTMAIL_AGENT under
// AGENTMAIL_HOME) and wires the engine. This is the only place the process
// environment is consulted.
func Open() (*Messenger, error) {
	cfg := config.Load()
	if cfg.Agent == "" {
		return nil, fmt.Errorf("AGENTMAIL_AGENT is not set")
	}
	return OpenIdentity(cfg, cfg.Agent)
}

// OpenIdentity wires a messenger for a specific identity under cfg.Home.
func OpenIdentity(cfg *config.Config, name string) (*Messenger, error) {
	id, err := identity.Load(cfg.IdentityDir(name))
	if err != nil {
		return nil, err
	}

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Str("agent", id.Name).Logger()
	} else {
		logger = zerolog.New(os.Stderr).With().Timestamp().Str("agent", id.Name).Logger()
	}

	st := store.New(id.Dir)

	var mesh provider.Client
	if cfg.MeshURL != "" {
		mesh = provider.NewHTTPClient(provider.KindMesh, cfg.MeshURL, id.Address(), id.PrivateKey, cfg.HTTPTimeout, logger)
	}
	dialer := func(baseURL string) provider.Client {
		return provider.NewHTTPClient(provider.KindExternal, baseURL, id.Address(), id.PrivateKey, cfg.HTTPTimeout, logger)
	}

	return &Messenger{
		cfg:    cfg,
		id:     id,
		store:  st,
		orch:   delivery.New(id, cfg, st, mesh, dialer, logger),
		logger: logger,
	}, nil
}

// Address returns the identity's own address.
func (m *Messenger) Address() string { return m.id.Address() }

// Fingerprint returns the identity's public key fingerprint.
func (m *Messenger) Fingerprint() string { return m.id.Fingerprint }

// Send composes, signs, and delivers a message, returning the delivery
// receipt. The recipient may be a bare name or a full address.
func (m *Messenger) Send(ctx context.Context, to, subject, body string, opts SendOptions) (*Receipt, error) {
	return m.orch.Send(ctx, to, subject, body, opts)
}

// Fetch pulls pending messages from all registered providers into the local
// inbox and returns the newly stored messages, security-processed.
func (m *Messenger) Fetch(ctx context.Context) ([]*Message, error) {
	return m.orch.Fetch(ctx)
}

// Inbox lists locally stored inbound messages, newest first.
func (m *Messenger) Inbox(unreadOnly bool) ([]*Message, error) {
	return m.store.List(store.BoxInbox, unreadOnly)
}

// Sent lists locally stored outbound messages, newest first.
func (m *Messenger) Sent() ([]*Message, error) {
	return m.store.List(store.BoxSent, false)
}

// Read returns a message by id and marks it read.
func (m *Messenger) Read(id string) (*Message, error) {
	msg, err := m.store.FindByID(id)
	if err != nil {
		return nil, err
	}
	if err := m.store.MarkRead(id); err != nil {
		return nil, err
	}
	msg.Status = models.StatusRead
	return msg, nil
}

// Delete removes a message by id. Explicit user action only.
func (m *Messenger) Delete(id string) error {
	return m.store.Delete(id)
}

// Register registers this identity with an external provider at the given
// API base URL and persists the resulting credential.
func (m *Messenger) Register(ctx context.Context, baseURL string) (*provider.Registration, error) {
	client := provider.NewHTTPClient(provider.KindExternal, baseURL, m.id.Address(), m.id.PrivateKey, m.cfg.HTTPTimeout, m.logger)
	reg, err := client.Register(ctx, m.id.Name, m.id.Tenant, publicKeyB64(m.id))
	if err != nil {
		return nil, err
	}
	if err := provider.SaveRegistration(m.id.RegistrationsDir(), reg); err != nil {
		return nil, err
	}
	m.logger.Info().Str("provider", reg.Provider).Str("address", reg.Address).Msg("registered with provider")
	return reg, nil
}

// DownloadAttachment fetches an attachment of a stored message into destDir,
// verifying its digest. Suspicious attachments require approveSuspicious;
// rejected attachments are always refused.
func (m *Messenger) DownloadAttachment(ctx context.Context, messageID, attachmentID, destDir string, approveSuspicious bool) (string, error) {
	msg, err := m.store.FindByID(messageID)
	if err != nil {
		return "", err
	}

	var att *models.Attachment
	for i := range msg.Payload.Attachments {
		if msg.Payload.Attachments[i].ID == attachmentID {
			att = &msg.Payload.Attachments[i]
			break
		}
	}
	if att == nil {
		return "", fmt.Errorf("attachment %s not found on message %s", attachmentID, messageID)
	}

	reg, err := provider.LookupRegistration(m.id.RegistrationsDir(), m.providerFor(msg))
	if err != nil {
		return "", err
	}
	var client provider.Client
	if reg != nil {
		client = provider.NewHTTPClient(provider.KindExternal, reg.BaseURL, m.id.Address(), m.id.PrivateKey, m.cfg.HTTPTimeout, m.logger)
	} else if m.cfg.MeshURL != "" {
		client = provider.NewHTTPClient(provider.KindMesh, m.cfg.MeshURL, m.id.Address(), m.id.PrivateKey, m.cfg.HTTPTimeout, m.logger)
	} else {
		return "", fmt.Errorf("no provider available to download attachment %s", attachmentID)
	}

	return attachment.Download(ctx, &downloaderAdapter{client: client, reg: reg}, *att, destDir, approveSuspicious)
}

// providerFor names the provider a message was fetched from, defaulting to
// the mesh.
func (m *Messenger) providerFor(msg *models.Message) string {
	if msg.FetchedFrom != "" {
		return msg.FetchedFrom
	}
	return m.cfg.MeshDomain
}

type downloaderAdapter struct {
	client provider.Client
	reg    *provider.Registration
}

func (d *downloaderAdapter) Download(ctx context.Context, att models.Attachment) (io.ReadCloser, error) {
	return d.client.Download(ctx, d.reg, att)
}

func publicKeyB64(id *identity.Identity) string {
	return base64.StdEncoding.EncodeToString(id.PublicKey)
}
