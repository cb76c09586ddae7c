package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// EnvelopeVersion is the wire format version stamped on every envelope.
const EnvelopeVersion = "1.0"

// Priority is the delivery priority of a message.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// MessageType classifies the payload of a message.
type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeNotification MessageType = "notification"
	TypeAlert        MessageType = "alert"
	TypeTask         MessageType = "task"
	TypeStatus       MessageType = "status"
	TypeHandoff      MessageType = "handoff"
	TypeAck          MessageType = "ack"
	TypeUpdate       MessageType = "update"
	TypeSystem       MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeNotification, TypeAlert, TypeTask,
		TypeStatus, TypeHandoff, TypeAck, TypeUpdate, TypeSystem:
		return true
	}
	return false
}

// TrustLevel classifies an inbound message's provenance.
type TrustLevel string

const (
	TrustVerified  TrustLevel = "verified"
	TrustExternal  TrustLevel = "external"
	TrustUntrusted TrustLevel = "untrusted"
)

// SignatureState records how far signature verification got for a message.
type SignatureState string

const (
	SignatureValid      SignatureState = "valid"
	SignatureInvalid    SignatureState = "invalid"
	SignatureUnverified SignatureState = "unverified" // present, but no key available
	SignatureAbsent     SignatureState = "absent"
)

// ScanStatus is the lifecycle tag on an attachment describing how thoroughly
// it has been checked.
type ScanStatus string

const (
	ScanUnscanned  ScanStatus = "unscanned"
	ScanBasicClean ScanStatus = "basic_clean" // local MIME inspection only
	ScanPending    ScanStatus = "pending"
	ScanSuspicious ScanStatus = "suspicious"
	ScanRejected   ScanStatus = "rejected"
	ScanClean      ScanStatus = "clean"
	ScanTimeout    ScanStatus = "scan_timeout" // provider never left pending
)

// Read status of a locally stored message.
const (
	StatusUnread = "unread"
	StatusRead   = "read"
)

// Envelope is the routing and metadata wrapper around a message.
// Signature covers from, to, subject, priority, in_reply_to and the payload
// hash; never id or timestamp, which may be server-assigned.
type Envelope struct {
	Version   string   `json:"version"`
	ID        string   `json:"id"`
	From      string   `json:"from"`
	To        string   `json:"to"`
	Subject   string   `json:"subject"`
	Priority  Priority `json:"priority"`
	Timestamp string   `json:"timestamp"` // RFC3339, UTC
	ThreadID  string   `json:"thread_id"`
	InReplyTo string   `json:"in_reply_to,omitempty"`
	ExpiresAt string   `json:"expires_at,omitempty"`
	Signature string   `json:"signature,omitempty"`
}

// Payload is the actual message content.
type Payload struct {
	Type        MessageType            `json:"type"`
	Message     string                 `json:"message"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Attachments []Attachment           `json:"attachments"`
}

// Attachment describes a file carried by a message. LocalPath is delivery-
// local and must be stripped before the attachment crosses the wire.
type Attachment struct {
	ID          string     `json:"id"`
	Filename    string     `json:"filename"`
	ContentType string     `json:"content_type"`
	Size        int64      `json:"size"`
	Digest      string     `json:"digest"` // "sha256:<hex>" over the original bytes
	ScanStatus  ScanStatus `json:"scan_status"`
	DownloadURL string     `json:"download_url,omitempty"`
	ExpiresAt   string     `json:"expires_at,omitempty"`
	LocalPath   string     `json:"local_path,omitempty"`
}

// Security is the trust metadata attached to a message after inbound
// processing. Never sent over the wire.
type Security struct {
	Trust          TrustLevel     `json:"trust"`
	SignatureState SignatureState `json:"signature_state,omitempty"`
	Flags          []string       `json:"flags,omitempty"` // deduplicated categories
	Wrapped        bool           `json:"wrapped,omitempty"`
	VerifiedAt     string         `json:"verified_at,omitempty"`
}

// Message is a full message record: the wire envelope and payload plus
// delivery-local metadata.
type Message struct {
	Envelope Envelope `json:"envelope"`
	Payload  Payload  `json:"payload"`

	// Local-only fields, never sent over the wire.
	Status      string    `json:"status,omitempty"`
	ReceivedAt  string    `json:"received_at,omitempty"`
	SentAt      string    `json:"sent_at,omitempty"`
	Security    *Security `json:"security,omitempty"`
	FetchedFrom string    `json:"fetched_from,omitempty"` // provider the message was pulled from
}

// StripLocal returns a copy of m with all delivery-local fields removed,
// suitable for sending over the wire or writing into another identity's inbox.
func (m *Message) StripLocal() *Message {
	out := &Message{
		Envelope: m.Envelope,
		Payload:  m.Payload,
	}
	if len(m.Payload.Attachments) > 0 {
		out.Payload.Attachments = make([]Attachment, len(m.Payload.Attachments))
		for i, a := range m.Payload.Attachments {
			a.LocalPath = ""
			out.Payload.Attachments[i] = a
		}
	}
	return out
}

// Timestamp returns the current time in the envelope timestamp format.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// NewMessageID generates a message id of the form msg_<epoch-ms>_<8 hex>.
func NewMessageID() string {
	return newID("msg")
}

// NewAttachmentID generates an attachment id of the form att_<epoch-ms>_<8 hex>.
func NewAttachmentID() string {
	return newID("att")
}

func newID(prefix string) string {
	suffix := make([]byte, 4)
	rand.Read(suffix)
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixMilli(), hex.EncodeToString(suffix))
}
