package attachment

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmail-protocol/agentmail/internal/models"
)

type fakeUploader struct {
	statuses  []models.ScanStatus
	statusErr error
	calls     int
	gotBytes  []byte
	confirmed bool
	serverID  string
}

func (f *fakeUploader) InitUpload(ctx context.Context, meta models.Attachment) (string, string, error) {
	return "https://provider.test/upload/slot", f.serverID, nil
}

func (f *fakeUploader) UploadBytes(ctx context.Context, uploadURL string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	f.gotBytes = data
	return err
}

func (f *fakeUploader) ConfirmUpload(ctx context.Context, attachmentID string) error {
	f.confirmed = true
	return nil
}

func (f *fakeUploader) ScanStatus(ctx context.Context, attachmentID string) (models.ScanStatus, error) {
	if f.statusErr != nil {
		return "", f.statusErr
	}
	i := f.calls
	f.calls++
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	return f.statuses[i], nil
}

func fastPoll() PollOptions {
	return PollOptions{Interval: time.Millisecond, Attempts: 3}
}

func preparedFixture(t *testing.T) Prepared {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "report.txt")
	require.NoError(t, os.WriteFile(src, []byte("quarterly numbers"), 0600))
	prepared, err := Validate([]string{src}, DefaultLimits())
	require.NoError(t, err)
	return prepared[0]
}

func TestUploadThreePhase(t *testing.T) {
	u := &fakeUploader{statuses: []models.ScanStatus{models.ScanPending, models.ScanClean}, serverID: "srv_123"}

	att, err := Upload(context.Background(), u, preparedFixture(t), fastPoll(), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "srv_123", att.ID) // server-assigned id wins
	assert.Equal(t, models.ScanClean, att.ScanStatus)
	assert.True(t, u.confirmed)
	assert.Equal(t, []byte("quarterly numbers"), u.gotBytes)
}

func TestUploadScanTimeout(t *testing.T) {
	u := &fakeUploader{statuses: []models.ScanStatus{models.ScanPending}}

	att, err := Upload(context.Background(), u, preparedFixture(t), fastPoll(), zerolog.Nop())
	require.NoError(t, err)
	// Exhausting the poll budget is the terminal scan_timeout state, not pending.
	assert.Equal(t, models.ScanTimeout, att.ScanStatus)
	assert.Equal(t, 3, u.calls)
}

func TestUploadUnresponsiveStatusEndpoint(t *testing.T) {
	u := &fakeUploader{statusErr: errors.New("connection refused")}

	att, err := Upload(context.Background(), u, preparedFixture(t), fastPoll(), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, models.ScanClean, att.ScanStatus)
}

func TestUploadSuspiciousResult(t *testing.T) {
	u := &fakeUploader{statuses: []models.ScanStatus{models.ScanSuspicious}}

	att, err := Upload(context.Background(), u, preparedFixture(t), fastPoll(), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, models.ScanSuspicious, att.ScanStatus)
}

type fakeDownloader struct {
	content []byte
	err     error
}

func (f *fakeDownloader) Download(ctx context.Context, att models.Attachment) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(bytes.NewReader(f.content)), nil
}

func attFixture(content []byte, status models.ScanStatus) models.Attachment {
	digest, _, _ := Digest(bytes.NewReader(content))
	return models.Attachment{
		ID:         models.NewAttachmentID(),
		Filename:   "report.txt",
		Size:       int64(len(content)),
		Digest:     digest,
		ScanStatus: status,
	}
}

func TestDownloadVerified(t *testing.T) {
	content := []byte("downloaded body")
	d := &fakeDownloader{content: content}
	dest := t.TempDir()

	path, err := Download(context.Background(), d, attFixture(content, models.ScanClean), dest, false)
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadDigestMismatchRemovesPartial(t *testing.T) {
	att := attFixture([]byte("expected body"), models.ScanClean)
	d := &fakeDownloader{content: []byte("corrupted body")}
	dest := t.TempDir()

	_, err := Download(context.Background(), d, att, dest, false)
	assert.ErrorIs(t, err, ErrDigestMismatch)

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	assert.Empty(t, entries, "partial file must be removed")
}

func TestDownloadRefusesRejected(t *testing.T) {
	d := &fakeDownloader{content: []byte("x")}
	_, err := Download(context.Background(), d, attFixture([]byte("x"), models.ScanRejected), t.TempDir(), false)
	assert.ErrorIs(t, err, ErrRejected)

	// Rejected cannot be overridden by approval.
	_, err = Download(context.Background(), d, attFixture([]byte("x"), models.ScanRejected), t.TempDir(), true)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestDownloadWithholdsSuspicious(t *testing.T) {
	content := []byte("maybe fine")
	d := &fakeDownloader{content: content}
	dest := t.TempDir()

	_, err := Download(context.Background(), d, attFixture(content, models.ScanSuspicious), dest, false)
	assert.ErrorIs(t, err, ErrSuspicious)

	// Explicit approval allows the download.
	path, err := Download(context.Background(), d, attFixture(content, models.ScanSuspicious), dest, true)
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestDownloadRequiresDigest(t *testing.T) {
	content := []byte("no provenance")
	d := &fakeDownloader{content: content}
	att := attFixture(content, models.ScanClean)
	att.Digest = ""

	// Without a digest there is nothing to verify against: refuse, do not
	// deliver silently.
	_, err := Download(context.Background(), d, att, t.TempDir(), false)
	assert.ErrorIs(t, err, ErrMissingDigest)
}

func TestDownloadCollisionSuffix(t *testing.T) {
	content := []byte("same name")
	d := &fakeDownloader{content: content}
	dest := t.TempDir()
	att := attFixture(content, models.ScanClean)

	first, err := Download(context.Background(), d, att, dest, false)
	require.NoError(t, err)
	second, err := Download(context.Background(), d, att, dest, false)
	require.NoError(t, err)

	assert.Equal(t, "report.txt", filepath.Base(first))
	assert.Equal(t, "report-1.txt", filepath.Base(second))
}
