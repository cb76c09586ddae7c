package wire

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidPublicKey = errors.New("invalid Ed25519 public key")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrNoSignature      = errors.New("envelope is not signed")
	ErrNoPrivateKey     = errors.New("missing private key")
)

// SigningString builds the canonical string covered by the envelope
// signature: from|to|subject|priority|in_reply_to|payloadHash. The id and
// timestamp are deliberately excluded, since they may be server-assigned.
func SigningString(from, to, subject, priority, inReplyTo, payloadHash string) string {
	return strings.Join([]string{from, to, subject, priority, inReplyTo, payloadHash}, "|")
}

// Sign signs the canonical string with the raw Ed25519 private key (Ed25519
// hashes internally) and returns the base64 signature.
func Sign(priv ed25519.PrivateKey, signingString string) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", ErrNoPrivateKey
	}
	sig := ed25519.Sign(priv, []byte(signingString))
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 signature over the canonical string.
func Verify(pub ed25519.PublicKey, signingString, signatureB64 string) error {
	if signatureB64 == "" {
		return ErrNoSignature
	}
	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: invalid base64 encoding", ErrInvalidSignature)
	}
	if !ed25519.Verify(pub, []byte(signingString), signature) {
		return ErrInvalidSignature
	}
	return nil
}

// ValidatePublicKey checks if a base64-encoded string is a valid Ed25519 public key.
func ValidatePublicKey(pubkeyB64 string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(pubkeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrInvalidPublicKey)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}

// Fingerprint computes the identity fingerprint: SHA-256 over the
// DER-encoded (SPKI) public key, base64.
func Fingerprint(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("encode public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}
