// Package wire implements the envelope signing scheme: canonical payload
// encoding, the signing string, and Ed25519 sign/verify.
package wire

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"

	"github.com/agentmail-protocol/agentmail/internal/models"
)

// CanonicalJSON encodes v as compact JSON with lexicographically sorted
// object keys and no trailing whitespace. This exact encoding is a
// wire-compatibility contract: the payload hash every counterparty signs is
// computed over these bytes.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	// Round-trip through interface{} so that encoding/json emits object keys
	// in sorted order. UseNumber preserves numeric literals byte-for-byte.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// PayloadHash computes base64(SHA256(canonicalJSON(payload))).
func PayloadHash(p models.Payload) (string, error) {
	canonical, err := CanonicalJSON(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}
