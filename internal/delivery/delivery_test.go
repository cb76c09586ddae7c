package delivery

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmail-protocol/agentmail/internal/attachment"
	"github.com/agentmail-protocol/agentmail/internal/config"
	"github.com/agentmail-protocol/agentmail/internal/identity"
	"github.com/agentmail-protocol/agentmail/internal/models"
	"github.com/agentmail-protocol/agentmail/internal/provider"
	"github.com/agentmail-protocol/agentmail/internal/store"
	"github.com/agentmail-protocol/agentmail/internal/wire"
)

// fakeClient is an in-memory provider implementation.
type fakeClient struct {
	registerCalls int
	registerErr   error
	regAddress    string
	regProvider   string

	routeErr error
	routed   []*models.Message

	inbox    []*models.Message
	fetchErr error
	acked    []string
	keys     map[string]string
}

func (f *fakeClient) Register(ctx context.Context, name, tenant, publicKeyB64 string) (*provider.Registration, error) {
	f.registerCalls++
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	addr := f.regAddress
	if addr == "" {
		addr = name + "@" + tenant + "." + f.regProvider
	}
	return &provider.Registration{
		Provider:     f.regProvider,
		BaseURL:      "http://fake.test",
		Address:      addr,
		Credential:   "cred",
		RegisteredAt: time.Now().UTC(),
	}, nil
}

func (f *fakeClient) Route(ctx context.Context, msg *models.Message, reg *provider.Registration) (*provider.RouteResult, error) {
	if f.routeErr != nil {
		return nil, f.routeErr
	}
	copied := *msg
	f.routed = append(f.routed, &copied)
	return &provider.RouteResult{Status: "queued", MessageID: msg.Envelope.ID}, nil
}

func (f *fakeClient) Fetch(ctx context.Context, reg *provider.Registration) ([]*models.Message, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]*models.Message, len(f.inbox))
	for i, m := range f.inbox {
		copied := *m
		out[i] = &copied
	}
	return out, nil
}

func (f *fakeClient) Ack(ctx context.Context, reg *provider.Registration, messageID string) error {
	f.acked = append(f.acked, messageID)
	return nil
}

func (f *fakeClient) LookupKey(ctx context.Context, reg *provider.Registration, addr string) (string, error) {
	return f.keys[addr], nil
}

func (f *fakeClient) InitUpload(ctx context.Context, reg *provider.Registration, meta models.Attachment) (*provider.UploadSlot, error) {
	return &provider.UploadSlot{AttachmentID: meta.ID, UploadURL: "http://fake.test/up"}, nil
}

func (f *fakeClient) UploadBytes(ctx context.Context, uploadURL string, r io.Reader, size int64, contentType string) error {
	_, err := io.Copy(io.Discard, r)
	return err
}

func (f *fakeClient) ConfirmUpload(ctx context.Context, reg *provider.Registration, attachmentID string) error {
	return nil
}

func (f *fakeClient) ScanStatus(ctx context.Context, reg *provider.Registration, attachmentID string) (models.ScanStatus, error) {
	return models.ScanClean, nil
}

func (f *fakeClient) Download(ctx context.Context, reg *provider.Registration, att models.Attachment) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

type fixture struct {
	cfg  *config.Config
	id   *identity.Identity
	st   *store.FileStore
	mesh *fakeClient
	ext  *fakeClient
	orch *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	home := t.TempDir()
	cfg := &config.Config{
		Home:               home,
		Tenant:             "acme",
		MeshDomain:         "mesh.local",
		MeshURL:            "http://mesh.test",
		MaxAttachments:     config.DefaultMaxAttachments,
		MaxAttachmentSize:  config.DefaultMaxAttachmentSize,
		MaxTotalAttachment: config.DefaultMaxTotalAttachment,
		HTTPTimeout:        5 * time.Second,
	}

	id, err := identity.Create(cfg.IdentityDir("alice"), "alice", "acme", "mesh.local")
	require.NoError(t, err)

	mesh := &fakeClient{regProvider: "mesh.local"}
	ext := &fakeClient{regProvider: "provider.ai"}

	f := &fixture{
		cfg:  cfg,
		id:   id,
		st:   store.New(id.Dir),
		mesh: mesh,
		ext:  ext,
	}
	f.orch = New(id, cfg, f.st, mesh, func(string) provider.Client { return ext }, zerolog.Nop())
	f.orch.SetPollOptions(attachment.PollOptions{Interval: time.Millisecond, Attempts: 2})
	return f
}

func (f *fixture) registerExternal(t *testing.T) *provider.Registration {
	t.Helper()
	reg := &provider.Registration{
		Provider:     "provider.ai",
		BaseURL:      "http://api.provider.ai",
		Address:      "alice@acme.provider.ai",
		Credential:   "cred",
		RegisteredAt: time.Now().UTC(),
	}
	require.NoError(t, provider.SaveRegistration(f.id.RegistrationsDir(), reg))
	return reg
}

func (f *fixture) registerMesh(t *testing.T) {
	t.Helper()
	require.NoError(t, provider.SaveRegistration(f.id.RegistrationsDir(), &provider.Registration{
		Provider:     "mesh.local",
		BaseURL:      "http://mesh.test",
		Address:      "alice@acme.mesh.local",
		Credential:   "mesh-cred",
		RegisteredAt: time.Now().UTC(),
	}))
}

func writeAttachment(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "att-*.txt")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func TestSendBareNameRoutesMesh(t *testing.T) {
	f := newFixture(t)
	f.registerMesh(t)

	receipt, err := f.orch.Send(context.Background(), "bob", "hi", "hello bob", SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, RouteMesh, receipt.Route)

	require.Len(t, f.mesh.routed, 1)
	assert.Equal(t, "bob@acme.mesh.local", f.mesh.routed[0].Envelope.To)
	assert.NotEmpty(t, f.mesh.routed[0].Envelope.Signature)

	// Persisted to Sent under the recipient partition.
	sent, err := f.st.List(store.BoxSent, false)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, receipt.MessageID, sent[0].Envelope.ID)
}

func TestSendExternalUnregisteredFails(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Send(context.Background(), "bob@other.provider.ai", "hi", "hello", SendOptions{})
	require.ErrorIs(t, err, ErrNotRegistered)
	assert.Contains(t, err.Error(), "provider.ai")

	// Nothing persisted to Sent on a terminal routing error.
	sent, err := f.st.List(store.BoxSent, false)
	require.NoError(t, err)
	assert.Empty(t, sent)
}

func TestSendExternalRestampsAndResigns(t *testing.T) {
	f := newFixture(t)
	reg := f.registerExternal(t)

	receipt, err := f.orch.Send(context.Background(), "bob@corp.provider.ai", "hi", "hello", SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, RouteExternal, receipt.Route)
	assert.Equal(t, "queued", receipt.Status)

	require.Len(t, f.ext.routed, 1)
	routed := f.ext.routed[0]
	assert.Equal(t, reg.Address, routed.Envelope.From, "from is re-stamped with the external address")

	// The signature covers the re-stamped from.
	hash, err := wire.PayloadHash(routed.Payload)
	require.NoError(t, err)
	s := wire.SigningString(routed.Envelope.From, routed.Envelope.To, routed.Envelope.Subject,
		string(routed.Envelope.Priority), routed.Envelope.InReplyTo, hash)
	assert.NoError(t, wire.Verify(f.id.PublicKey, s, routed.Envelope.Signature))
}

func TestSendExternalProviderErrorNotPersisted(t *testing.T) {
	f := newFixture(t)
	f.registerExternal(t)
	f.ext.routeErr = &provider.Error{Status: 502, Message: "backend down"}

	_, err := f.orch.Send(context.Background(), "bob@corp.provider.ai", "hi", "hello", SendOptions{})
	var provErr *provider.Error
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, 502, provErr.Status)

	sent, err := f.st.List(store.BoxSent, false)
	require.NoError(t, err)
	assert.Empty(t, sent)
}

func TestSendLocalAutoRegisters(t *testing.T) {
	f := newFixture(t)
	// No mesh registration on disk: one-shot auto-registration, then route.
	receipt, err := f.orch.Send(context.Background(), "bob", "hi", "hello", SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, RouteMesh, receipt.Route)
	assert.Equal(t, 1, f.mesh.registerCalls)
	require.Len(t, f.mesh.routed, 1)

	// The registration was persisted for next time.
	reg, err := provider.LookupRegistration(f.id.RegistrationsDir(), "mesh.local")
	require.NoError(t, err)
	require.NotNil(t, reg)
	assert.Equal(t, "alice@acme.mesh.local", reg.Address)
}

func TestSendAttachmentSignatureCoversWireForm(t *testing.T) {
	f := newFixture(t)
	f.registerMesh(t)
	src := writeAttachment(t, "quarterly numbers")

	_, err := f.orch.Send(context.Background(), "bob", "report", "see attachment", SendOptions{
		Attachments: []string{src},
	})
	require.NoError(t, err)
	require.Len(t, f.mesh.routed, 1)

	// The routed copy still carries the delivery-local path; the HTTP client
	// strips it at marshal time, so the signature must verify over the
	// stripped wire form, not the local one.
	routed := f.mesh.routed[0]
	require.Len(t, routed.Payload.Attachments, 1)
	assert.NotEmpty(t, routed.Payload.Attachments[0].LocalPath)

	onWire := routed.StripLocal()
	hash, err := wire.PayloadHash(onWire.Payload)
	require.NoError(t, err)
	s := wire.SigningString(onWire.Envelope.From, onWire.Envelope.To, onWire.Envelope.Subject,
		string(onWire.Envelope.Priority), onWire.Envelope.InReplyTo, hash)
	assert.NoError(t, wire.Verify(f.id.PublicKey, s, onWire.Envelope.Signature))
}

func TestSendMeshRejectionDoesNotFallBack(t *testing.T) {
	f := newFixture(t)
	f.registerMesh(t)
	f.mesh.routeErr = &provider.Error{Status: 422, Message: "recipient refused"}

	// Bob is co-located, so the filesystem path is available in principle.
	_, err := identity.Create(f.cfg.IdentityDir("bob"), "bob", "acme", "mesh.local")
	require.NoError(t, err)

	_, err = f.orch.Send(context.Background(), "bob", "hi", "hello", SendOptions{})
	var provErr *provider.Error
	require.True(t, errors.As(err, &provErr), "rejection must be reported, got %v", err)
	assert.Equal(t, 422, provErr.Status)

	// The refused message must not sneak in through the filesystem.
	inbox, err := store.New(f.cfg.IdentityDir("bob")).List(store.BoxInbox, false)
	require.NoError(t, err)
	assert.Empty(t, inbox)
	sent, err := f.st.List(store.BoxSent, false)
	require.NoError(t, err)
	assert.Empty(t, sent)
}

func TestSendMeshTransportErrorFallsBack(t *testing.T) {
	f := newFixture(t)
	f.registerMesh(t)
	f.mesh.routeErr = errors.New("dial tcp: connection refused")

	_, err := identity.Create(f.cfg.IdentityDir("bob"), "bob", "acme", "mesh.local")
	require.NoError(t, err)

	receipt, err := f.orch.Send(context.Background(), "bob", "hi", "hello", SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, RouteDirect, receipt.Route)
}

func TestSendDirectFallbackToColocated(t *testing.T) {
	f := newFixture(t)
	f.mesh.registerErr = errors.New("mesh unreachable")

	// Recipient bob is co-located: his identity directory exists.
	_, err := identity.Create(f.cfg.IdentityDir("bob"), "bob", "acme", "mesh.local")
	require.NoError(t, err)

	receipt, err := f.orch.Send(context.Background(), "bob", "hi", "hello bob", SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, RouteDirect, receipt.Route)

	// The message landed in bob's inbox with security applied.
	bobStore := store.New(f.cfg.IdentityDir("bob"))
	inbox, err := bobStore.List(store.BoxInbox, false)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	got := inbox[0]
	assert.Equal(t, models.StatusUnread, got.Status)
	require.NotNil(t, got.Security)
	assert.Equal(t, models.TrustVerified, got.Security.Trust, "same tenant, known-valid signature")
	assert.NotEmpty(t, got.ReceivedAt)

	// Sender still has a Sent record.
	sent, err := f.st.List(store.BoxSent, false)
	require.NoError(t, err)
	assert.Len(t, sent, 1)
}

func TestSendUnroutableIsExplicit(t *testing.T) {
	f := newFixture(t)
	f.mesh.registerErr = errors.New("mesh unreachable")

	_, err := f.orch.Send(context.Background(), "ghost", "hi", "anyone there", SendOptions{})
	require.ErrorIs(t, err, ErrUnroutable)
	assert.Contains(t, err.Error(), "ghost")

	sent, listErr := f.st.List(store.BoxSent, false)
	require.NoError(t, listErr)
	assert.Empty(t, sent)
}

func TestComposeThreading(t *testing.T) {
	f := newFixture(t)

	first, _, err := f.orch.Compose("bob", "start", "root message", SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.Envelope.ID, first.Envelope.ThreadID, "fresh thread is self-rooted")

	// Store the root, then reply to it: the reply inherits the thread root.
	first.Status = models.StatusUnread
	require.NoError(t, f.st.SaveInbox(first))

	reply, _, err := f.orch.Compose("bob", "re: start", "reply", SendOptions{InReplyTo: first.Envelope.ID})
	require.NoError(t, err)
	assert.Equal(t, first.Envelope.ID, reply.Envelope.ThreadID)
	assert.Equal(t, first.Envelope.ID, reply.Envelope.InReplyTo)

	// Reply to an unknown parent uses the parent id as thread root.
	orphan, _, err := f.orch.Compose("bob", "re: lost", "reply", SendOptions{InReplyTo: "msg_404_deadbeef"})
	require.NoError(t, err)
	assert.Equal(t, "msg_404_deadbeef", orphan.Envelope.ThreadID)
}

func TestComposeRejectsInvalidEnums(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.orch.Compose("bob", "s", "b", SendOptions{Type: "gossip"})
	assert.Error(t, err)
	_, _, err = f.orch.Compose("bob", "s", "b", SendOptions{Priority: "asap"})
	assert.Error(t, err)
}
