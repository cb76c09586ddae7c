// Package store is the per-identity local message store: one JSON file per
// message, inbox partitioned by sender, sent partitioned by recipient. The
// file layout doubles as the co-located delivery contract, so it must stay
// stable.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/agentmail-protocol/agentmail/internal/models"
)

var (
	ErrInvalidID = errors.New("invalid message id")
	ErrNotFound  = errors.New("message not found")
)

// Box selects a store partition.
type Box string

const (
	BoxInbox Box = "inbox"
	BoxSent  Box = "sent"
)

// idPattern is the strict allow-list applied to every id before it is used
// to construct a filesystem path. Rejects path traversal by construction.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,199}$`)

// ValidID reports whether id is safe to embed in a path.
func ValidID(id string) bool {
	return idPattern.MatchString(id) && !strings.Contains(id, "..")
}

// SanitizeAddress converts a counterparty address into a partition directory
// name.
func SanitizeAddress(addr string) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, addr)
	out = strings.Trim(out, ".")
	if out == "" {
		return "unknown"
	}
	return out
}

// FileStore is a message store rooted at an identity directory.
type FileStore struct {
	root string // identity directory containing inbox/ and sent/
}

// New creates a store over an identity directory.
func New(root string) *FileStore {
	return &FileStore{root: root}
}

func (s *FileStore) boxDir(box Box) string {
	return filepath.Join(s.root, string(box))
}

// SaveInbox persists an inbound message under its sender's partition.
func (s *FileStore) SaveInbox(msg *models.Message) error {
	return s.save(BoxInbox, SanitizeAddress(msg.Envelope.From), msg)
}

// SaveSent persists an outbound message under its recipient's partition.
func (s *FileStore) SaveSent(msg *models.Message) error {
	return s.save(BoxSent, SanitizeAddress(msg.Envelope.To), msg)
}

func (s *FileStore) save(box Box, partition string, msg *models.Message) error {
	id := msg.Envelope.ID
	if !ValidID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	dir := filepath.Join(s.boxDir(box), partition)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, id+".json"), data, 0600)
}

// Has reports whether a message id already exists in any inbox partition,
// including the legacy flat layout. This is the fetch dedup check.
func (s *FileStore) Has(id string) bool {
	if !ValidID(id) {
		return false
	}
	path, _ := s.findPath(id)
	return path != ""
}

// FindByID searches all partitions of both boxes, including the legacy flat
// inbox layout, and returns the message.
func (s *FileStore) FindByID(id string) (*models.Message, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	path, _ := s.findPath(id)
	if path == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return readMessage(path)
}

// findPath locates a message file by id. Checks inbox partitions, the legacy
// flat inbox, then sent partitions.
func (s *FileStore) findPath(id string) (string, Box) {
	filename := id + ".json"

	for _, box := range []Box{BoxInbox, BoxSent} {
		root := s.boxDir(box)

		// Legacy flat layout: message files directly under the box dir.
		flat := filepath.Join(root, filename)
		if fileExists(flat) {
			return flat, box
		}

		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			candidate := filepath.Join(root, e.Name(), filename)
			if fileExists(candidate) {
				return candidate, box
			}
		}
	}
	return "", ""
}

// List returns messages in a box, newest first. With unreadOnly set, only
// unread messages are returned.
func (s *FileStore) List(box Box, unreadOnly bool) ([]*models.Message, error) {
	root := s.boxDir(box)
	var out []*models.Message

	walk := func(dir string) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			msg, err := readMessage(filepath.Join(dir, e.Name()))
			if err != nil {
				continue // unreadable records are skipped, not fatal
			}
			if unreadOnly && msg.Status != models.StatusUnread {
				continue
			}
			out = append(out, msg)
		}
	}

	walk(root) // legacy flat layout
	entries, err := os.ReadDir(root)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			walk(filepath.Join(root, e.Name()))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return sortKey(out[i]) > sortKey(out[j])
	})
	return out, nil
}

// sortKey orders by local receipt/send time, falling back to the envelope
// timestamp.
func sortKey(m *models.Message) string {
	if m.ReceivedAt != "" {
		return m.ReceivedAt
	}
	if m.SentAt != "" {
		return m.SentAt
	}
	return m.Envelope.Timestamp
}

// MarkRead flips a message to read. Marking a missing message is a no-op,
// so concurrent mark-read and delete do not need locking.
func (s *FileStore) MarkRead(id string) error {
	if !ValidID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	path, _ := s.findPath(id)
	if path == "" {
		return nil
	}
	msg, err := readMessage(path)
	if err != nil {
		return err
	}
	if msg.Status == models.StatusRead {
		return nil
	}
	msg.Status = models.StatusRead
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Delete removes a message by id. Explicit user action only.
func (s *FileStore) Delete(id string) error {
	if !ValidID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	path, _ := s.findPath(id)
	if path == "" {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return os.Remove(path)
}

func readMessage(path string) (*models.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &msg, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
