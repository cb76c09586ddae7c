// Package provider implements the client side of the provider HTTP contract:
// registration, message routing, inbox fetch, and attachment transfer. The
// local mesh and external federated providers share one capability
// interface; the mesh is an instance, not a special case.
package provider

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/agentmail-protocol/agentmail/internal/models"
)

// Kind distinguishes the local mesh from external federated providers.
type Kind int

const (
	KindMesh Kind = iota
	KindExternal
)

func (k Kind) String() string {
	if k == KindMesh {
		return "mesh"
	}
	return "external"
}

var ErrNoCredential = errors.New("no credential for provider")

// Registration is the persisted outcome of registering an identity with a
// provider. One registration per provider per identity; absence means that
// provider's address space is unreachable.
type Registration struct {
	Provider     string    `json:"provider"` // provider domain
	BaseURL      string    `json:"base_url"`
	RouteURL     string    `json:"route_url"`
	Address      string    `json:"address"`    // provider-assigned external address
	Credential   string    `json:"credential"` // API credential
	RegisteredAt time.Time `json:"registered_at"`
}

// RouteResult is the provider's acknowledgement of a routed message.
type RouteResult struct {
	Status    string `json:"status"`
	MessageID string `json:"id,omitempty"` // server-echoed id, if any
}

// UploadSlot is the provider's answer to an upload-init request.
type UploadSlot struct {
	AttachmentID string `json:"id"`
	UploadURL    string `json:"upload_url"`
}

// Client is the capability interface every provider implementation offers.
type Client interface {
	// Register registers the identity's public key and returns the
	// provider-assigned address and credential.
	Register(ctx context.Context, name, tenant, publicKeyB64 string) (*Registration, error)

	// Route submits a signed envelope for delivery.
	Route(ctx context.Context, msg *models.Message, reg *Registration) (*RouteResult, error)

	// Fetch returns pending inbound messages.
	Fetch(ctx context.Context, reg *Registration) ([]*models.Message, error)

	// Ack acknowledges a fetched message so the provider will not redeliver it.
	Ack(ctx context.Context, reg *Registration, messageID string) error

	// LookupKey returns the base64 public key for an address, or "" when the
	// provider does not know it.
	LookupKey(ctx context.Context, reg *Registration, addr string) (string, error)

	// Attachment transfer, three-phase upload plus scan status and download.
	InitUpload(ctx context.Context, reg *Registration, meta models.Attachment) (*UploadSlot, error)
	UploadBytes(ctx context.Context, uploadURL string, r io.Reader, size int64, contentType string) error
	ConfirmUpload(ctx context.Context, reg *Registration, attachmentID string) error
	ScanStatus(ctx context.Context, reg *Registration, attachmentID string) (models.ScanStatus, error)
	Download(ctx context.Context, reg *Registration, att models.Attachment) (io.ReadCloser, error)
}
