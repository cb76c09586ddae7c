package attachment

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/agentmail-protocol/agentmail/internal/metrics"
	"github.com/agentmail-protocol/agentmail/internal/models"
)

// StoreLocal copies a validated attachment into local attachment storage,
// re-verifies its digest after the copy, and sets the scan status from local
// MIME inspection alone. Used when no provider credential is available; the
// resulting status never claims more scanning than was actually performed.
func StoreLocal(prep Prepared, destDir string) (models.Attachment, error) {
	att := prep.Meta

	if err := os.MkdirAll(destDir, 0700); err != nil {
		return att, err
	}
	destPath := filepath.Join(destDir, att.ID+"_"+att.Filename)

	if err := copyFile(prep.SourcePath, destPath); err != nil {
		return att, fmt.Errorf("store attachment: %w", err)
	}

	// Corruption detection: the stored copy must hash identically.
	digest, _, err := DigestFile(destPath)
	if err != nil {
		return att, err
	}
	if digest != att.Digest {
		os.Remove(destPath)
		metrics.AttachmentDigestFailures.Inc()
		return att, fmt.Errorf("%w: %s after local copy", ErrDigestMismatch, att.Filename)
	}

	att.LocalPath = destPath
	if Blocked(att.ContentType) {
		att.ScanStatus = models.ScanRejected
	} else {
		att.ScanStatus = models.ScanBasicClean
	}
	return att, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
