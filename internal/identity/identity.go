// Package identity manages the per-agent cryptographic identity directory:
// keypair files, the identity record, and the storage layout used by the
// message store and registration records.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentmail-protocol/agentmail/internal/wire"
)

var (
	ErrNotInitialized = errors.New("identity not initialized")
	ErrKeyMismatch    = errors.New("public key does not match private key")
)

// File names inside an identity directory.
const (
	identityFile   = "identity.json"
	privateKeyFile = "private.key"
	publicKeyFile  = "public.key"
)

// Identity is the agent's cryptographic identity. One identity per agent,
// created once and immutable except on explicit re-initialization.
type Identity struct {
	Name        string
	Tenant      string
	Provider    string
	Fingerprint string
	PublicKey   ed25519.PublicKey
	PrivateKey  ed25519.PrivateKey
	Dir         string
}

type identityRecord struct {
	Name        string `json:"name"`
	Tenant      string `json:"tenant"`
	Provider    string `json:"provider"`
	PublicKey   string `json:"public_key"`
	Fingerprint string `json:"fingerprint"`
	CreatedAt   string `json:"created_at"`
}

// Address returns the identity's own address, name@tenant.provider.
func (id *Identity) Address() string {
	return fmt.Sprintf("%s@%s.%s", id.Name, id.Tenant, id.Provider)
}

// InboxDir returns the inbox partition root.
func (id *Identity) InboxDir() string { return filepath.Join(id.Dir, "inbox") }

// SentDir returns the sent partition root.
func (id *Identity) SentDir() string { return filepath.Join(id.Dir, "sent") }

// AttachmentsDir returns the local attachment storage directory.
func (id *Identity) AttachmentsDir() string { return filepath.Join(id.Dir, "attachments") }

// RegistrationsDir returns the provider registration records directory.
func (id *Identity) RegistrationsDir() string { return filepath.Join(id.Dir, "registrations") }

// Create generates a fresh Ed25519 keypair and writes a new identity
// directory. The private key file is owner-only.
func Create(dir, name, tenant, provider string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}

	id := &Identity{
		Name:       name,
		Tenant:     tenant,
		Provider:   provider,
		PublicKey:  pub,
		PrivateKey: priv,
		Dir:        dir,
	}
	id.Fingerprint, err = wire.Fingerprint(pub)
	if err != nil {
		return nil, err
	}

	if err := id.save(); err != nil {
		return nil, err
	}
	return id, nil
}

// Load reads an identity from its directory.
func Load(dir string) (*Identity, error) {
	data, err := os.ReadFile(filepath.Join(dir, identityFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotInitialized, dir)
		}
		return nil, err
	}

	var rec identityRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse %s: %w", identityFile, err)
	}

	keyData, err := os.ReadFile(filepath.Join(dir, privateKeyFile))
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	seed, err := base64.StdEncoding.DecodeString(string(keyData))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("private key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	if rec.PublicKey != "" {
		recorded, err := wire.ValidatePublicKey(rec.PublicKey)
		if err != nil {
			return nil, err
		}
		if !pub.Equal(recorded) {
			return nil, ErrKeyMismatch
		}
	}

	fingerprint, err := wire.Fingerprint(pub)
	if err != nil {
		return nil, err
	}

	return &Identity{
		Name:        rec.Name,
		Tenant:      rec.Tenant,
		Provider:    rec.Provider,
		Fingerprint: fingerprint,
		PublicKey:   pub,
		PrivateKey:  priv,
		Dir:         dir,
	}, nil
}

// Reinitialize regenerates the keypair in place. Old signatures become
// invalid; registrations are left to be re-established by the caller.
func (id *Identity) Reinitialize() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}
	id.PublicKey = pub
	id.PrivateKey = priv
	id.Fingerprint, err = wire.Fingerprint(pub)
	if err != nil {
		return err
	}
	return id.save()
}

func (id *Identity) save() error {
	if err := os.MkdirAll(id.Dir, 0700); err != nil {
		return err
	}
	for _, sub := range []string{id.InboxDir(), id.SentDir(), id.AttachmentsDir(), id.RegistrationsDir()} {
		if err := os.MkdirAll(sub, 0700); err != nil {
			return err
		}
	}

	rec := identityRecord{
		Name:        id.Name,
		Tenant:      id.Tenant,
		Provider:    id.Provider,
		PublicKey:   base64.StdEncoding.EncodeToString(id.PublicKey),
		Fingerprint: id.Fingerprint,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	data, _ := json.MarshalIndent(rec, "", "  ")
	if err := os.WriteFile(filepath.Join(id.Dir, identityFile), data, 0600); err != nil {
		return err
	}

	seed := base64.StdEncoding.EncodeToString(id.PrivateKey.Seed())
	if err := os.WriteFile(filepath.Join(id.Dir, privateKeyFile), []byte(seed), 0600); err != nil {
		return err
	}
	pubB64 := base64.StdEncoding.EncodeToString(id.PublicKey)
	return os.WriteFile(filepath.Join(id.Dir, publicKeyFile), []byte(pubB64), 0644)
}

// Exists reports whether dir contains an initialized identity. Used by the
// co-located delivery check.
func Exists(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, identityFile))
	return err == nil && info.Mode().IsRegular()
}
