package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentmail-protocol/agentmail/internal/metrics"
	"github.com/agentmail-protocol/agentmail/internal/models"
)

var (
	ErrRejected      = errors.New("attachment was rejected by provider scanning")
	ErrSuspicious    = errors.New("attachment is suspicious and requires explicit approval")
	ErrMissingDigest = errors.New("attachment carries no digest to verify")
)

// Uploader is the provider-side capability needed for the three-phase upload:
// request a slot, transfer bytes, confirm, and poll scan status.
type Uploader interface {
	InitUpload(ctx context.Context, meta models.Attachment) (uploadURL, attachmentID string, err error)
	UploadBytes(ctx context.Context, uploadURL string, r io.Reader, size int64, contentType string) error
	ConfirmUpload(ctx context.Context, attachmentID string) error
	ScanStatus(ctx context.Context, attachmentID string) (models.ScanStatus, error)
}

// Downloader fetches attachment bytes, via direct URL or an authenticated
// provider endpoint.
type Downloader interface {
	Download(ctx context.Context, att models.Attachment) (io.ReadCloser, error)
}

// PollOptions bounds the scan status polling loop.
type PollOptions struct {
	Interval time.Duration
	Attempts int
}

// DefaultPollOptions polls every 5 seconds for up to 6 attempts (~30s).
func DefaultPollOptions() PollOptions {
	return PollOptions{Interval: 5 * time.Second, Attempts: 6}
}

// Upload runs the three-phase provider upload for a validated attachment:
// init slot, transfer bytes, confirm, then poll scan status until it leaves
// pending. An unresponsive status endpoint is treated as clean; a scan that
// never leaves pending within the budget ends in the terminal scan_timeout
// state.
func Upload(ctx context.Context, u Uploader, prep Prepared, opts PollOptions, logger zerolog.Logger) (models.Attachment, error) {
	att := prep.Meta

	uploadURL, serverID, err := u.InitUpload(ctx, att)
	if err != nil {
		return att, fmt.Errorf("init upload: %w", err)
	}
	if serverID != "" {
		att.ID = serverID
	}

	f, err := os.Open(prep.SourcePath)
	if err != nil {
		return att, err
	}
	err = u.UploadBytes(ctx, uploadURL, f, att.Size, att.ContentType)
	f.Close()
	if err != nil {
		return att, fmt.Errorf("upload bytes: %w", err)
	}

	if err := u.ConfirmUpload(ctx, att.ID); err != nil {
		return att, fmt.Errorf("confirm upload: %w", err)
	}

	att.ScanStatus = pollScanStatus(ctx, u, att.ID, opts, logger)
	metrics.AttachmentsUploaded.Inc()
	return att, nil
}

// pollScanStatus waits for the provider scan to settle. Returns the terminal
// status, scan_timeout when the budget is exhausted while still pending, or
// clean when the status endpoint itself stops responding.
func pollScanStatus(ctx context.Context, u Uploader, attachmentID string, opts PollOptions, logger zerolog.Logger) models.ScanStatus {
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		status, err := u.ScanStatus(ctx, attachmentID)
		if err != nil {
			logger.Warn().Err(err).Str("attachment_id", attachmentID).
				Msg("scan status endpoint unresponsive, assuming clean")
			return models.ScanClean
		}
		if status != models.ScanPending {
			return status
		}
		if attempt == opts.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return models.ScanTimeout
		case <-time.After(opts.Interval):
		}
	}
	logger.Warn().Str("attachment_id", attachmentID).
		Int("attempts", opts.Attempts).Msg("scan never left pending")
	return models.ScanTimeout
}

// Download fetches an attachment into destDir, verifying the digest and
// resolving filename collisions by suffixing. Rejected attachments are
// refused; suspicious attachments are withheld unless explicitly approved.
// An attachment without a digest cannot be verified and is refused outright.
// On digest mismatch the partial file is deleted and the error is fatal.
func Download(ctx context.Context, d Downloader, att models.Attachment, destDir string, approveSuspicious bool) (string, error) {
	switch att.ScanStatus {
	case models.ScanRejected:
		return "", fmt.Errorf("%w: %s", ErrRejected, att.Filename)
	case models.ScanSuspicious:
		if !approveSuspicious {
			return "", fmt.Errorf("%w: %s", ErrSuspicious, att.Filename)
		}
	}
	if att.Digest == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingDigest, att.Filename)
	}

	if err := os.MkdirAll(destDir, 0700); err != nil {
		return "", err
	}
	destPath := collisionFree(destDir, Sanitize(att.Filename))

	body, err := d.Download(ctx, att)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", att.Filename, err)
	}
	defer body.Close()

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", err
	}
	_, copyErr := io.Copy(out, body)
	closeErr := out.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(destPath)
		if copyErr == nil {
			copyErr = closeErr
		}
		return "", fmt.Errorf("download %s: %w", att.Filename, copyErr)
	}

	digest, _, err := DigestFile(destPath)
	if err != nil {
		os.Remove(destPath)
		return "", err
	}
	if digest != att.Digest {
		os.Remove(destPath)
		metrics.AttachmentDigestFailures.Inc()
		return "", fmt.Errorf("%w: %s (got %s, want %s)", ErrDigestMismatch, att.Filename, digest, att.Digest)
	}
	return destPath, nil
}

// collisionFree returns a path in dir for filename, suffixing the stem with
// -1, -2, ... until the name is free.
func collisionFree(dir, filename string) string {
	path := filepath.Join(dir, filename)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	for i := 1; ; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s-%d%s", stem, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
