package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmail-protocol/agentmail/internal/models"
)

func testMessage(id, from, to string) *models.Message {
	return &models.Message{
		Envelope: models.Envelope{
			Version:   models.EnvelopeVersion,
			ID:        id,
			From:      from,
			To:        to,
			Subject:   "subject for " + id,
			Priority:  models.PriorityNormal,
			Timestamp: models.Timestamp(time.Now()),
			ThreadID:  id,
		},
		Payload: models.Payload{Type: models.TypeNotification, Message: "body"},
		Status:  models.StatusUnread,
	}
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID("msg_1700000000000_a1b2c3d4"))
	assert.True(t, ValidID("att_1700000000000_deadbeef"))
	assert.True(t, ValidID("550e8400-e29b-41d4-a716-446655440000"))

	assert.False(t, ValidID(""))
	assert.False(t, ValidID("../escape"))
	assert.False(t, ValidID("msg/../../etc/passwd"))
	assert.False(t, ValidID("msg..id"))
	assert.False(t, ValidID(".hidden"))
	assert.False(t, ValidID("id with spaces"))
	assert.False(t, ValidID("id\x00null"))
}

func TestSanitizeAddress(t *testing.T) {
	assert.Equal(t, "alice_acme.mesh.local", SanitizeAddress("alice@acme.mesh.local"))
	assert.Equal(t, "weird____", SanitizeAddress("weird/@:\\"))
	assert.Equal(t, "unknown", SanitizeAddress(""))
}

func TestSaveAndFind(t *testing.T) {
	s := New(t.TempDir())
	msg := testMessage("msg_1_aaaaaaaa", "bob@acme.mesh.local", "alice@acme.mesh.local")
	require.NoError(t, s.SaveInbox(msg))

	got, err := s.FindByID("msg_1_aaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, msg.Envelope.Subject, got.Envelope.Subject)

	_, err = s.FindByID("msg_2_bbbbbbbb")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindLegacyFlatLayout(t *testing.T) {
	root := t.TempDir()
	s := New(root)

	// A record written by an old version directly under inbox/.
	msg := testMessage("msg_9_99999999", "bob@acme.mesh.local", "alice@acme.mesh.local")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "inbox"), 0700))
	data := `{"envelope":{"id":"msg_9_99999999","from":"bob@acme.mesh.local","subject":"legacy"},"payload":{"type":"notification","message":"old"},"status":"unread"}`
	require.NoError(t, os.WriteFile(filepath.Join(root, "inbox", "msg_9_99999999.json"), []byte(data), 0600))

	got, err := s.FindByID(msg.Envelope.ID)
	require.NoError(t, err)
	assert.Equal(t, "legacy", got.Envelope.Subject)
	assert.True(t, s.Has(msg.Envelope.ID))
}

func TestHasDedup(t *testing.T) {
	s := New(t.TempDir())
	assert.False(t, s.Has("msg_1_aaaaaaaa"))

	require.NoError(t, s.SaveInbox(testMessage("msg_1_aaaaaaaa", "x@a.b.c", "y@a.b.c")))
	assert.True(t, s.Has("msg_1_aaaaaaaa"))

	// Same id under a different sender partition is still a duplicate.
	assert.True(t, s.Has("msg_1_aaaaaaaa"))
}

func TestListNewestFirstAndFilter(t *testing.T) {
	s := New(t.TempDir())

	old := testMessage("msg_1_aaaaaaaa", "bob@acme.mesh.local", "alice@acme.mesh.local")
	old.ReceivedAt = "2026-08-01T10:00:00Z"
	mid := testMessage("msg_2_bbbbbbbb", "carol@acme.mesh.local", "alice@acme.mesh.local")
	mid.ReceivedAt = "2026-08-10T10:00:00Z"
	mid.Status = models.StatusRead
	recent := testMessage("msg_3_cccccccc", "bob@acme.mesh.local", "alice@acme.mesh.local")
	recent.ReceivedAt = "2026-08-20T10:00:00Z"

	for _, m := range []*models.Message{old, mid, recent} {
		require.NoError(t, s.SaveInbox(m))
	}

	all, err := s.List(BoxInbox, false)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "msg_3_cccccccc", all[0].Envelope.ID)
	assert.Equal(t, "msg_2_bbbbbbbb", all[1].Envelope.ID)
	assert.Equal(t, "msg_1_aaaaaaaa", all[2].Envelope.ID)

	unread, err := s.List(BoxInbox, true)
	require.NoError(t, err)
	require.Len(t, unread, 2)
	for _, m := range unread {
		assert.Equal(t, models.StatusUnread, m.Status)
	}
}

func TestMarkRead(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.SaveInbox(testMessage("msg_1_aaaaaaaa", "x@a.b.c", "y@a.b.c")))

	require.NoError(t, s.MarkRead("msg_1_aaaaaaaa"))
	got, err := s.FindByID("msg_1_aaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, got.Status)
}

func TestMarkReadMissingIsNoop(t *testing.T) {
	s := New(t.TempDir())
	assert.NoError(t, s.MarkRead("msg_404_deadbeef"))
}

func TestDelete(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.SaveInbox(testMessage("msg_1_aaaaaaaa", "x@a.b.c", "y@a.b.c")))

	require.NoError(t, s.Delete("msg_1_aaaaaaaa"))
	assert.False(t, s.Has("msg_1_aaaaaaaa"))
	assert.ErrorIs(t, s.Delete("msg_1_aaaaaaaa"), ErrNotFound)
}

func TestSaveRejectsUnsafeID(t *testing.T) {
	s := New(t.TempDir())
	msg := testMessage("../../escape", "x@a.b.c", "y@a.b.c")
	assert.ErrorIs(t, s.SaveInbox(msg), ErrInvalidID)
}

func TestSentPartitionedByRecipient(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	msg := testMessage("msg_1_aaaaaaaa", "alice@acme.mesh.local", "bob@corp.provider.ai")
	msg.SentAt = models.Timestamp(time.Now())
	require.NoError(t, s.SaveSent(msg))

	assert.FileExists(t, filepath.Join(root, "sent", "bob_corp.provider.ai", "msg_1_aaaaaaaa.json"))

	got, err := s.FindByID("msg_1_aaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, "bob@corp.provider.ai", got.Envelope.To)
}
