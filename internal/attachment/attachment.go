// Package attachment implements the attachment transfer engine: pre-send
// validation, digest computation and verification, local storage, and the
// provider upload/download flows.
package attachment

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"

	"github.com/agentmail-protocol/agentmail/internal/models"
)

var (
	ErrTooManyAttachments = errors.New("too many attachments")
	ErrFileTooLarge       = errors.New("attachment exceeds per-file size limit")
	ErrTotalTooLarge      = errors.New("attachments exceed total size limit")
	ErrBlockedType        = errors.New("attachment content type is blocked")
	ErrDigestMismatch     = errors.New("attachment digest mismatch")
)

// Limits bounds what may be attached to a single message.
type Limits struct {
	MaxCount     int
	MaxFileSize  int64
	MaxTotalSize int64
}

// DefaultLimits returns the engine defaults: 10 files, 25 MiB each,
// 100 MiB per message.
func DefaultLimits() Limits {
	return Limits{
		MaxCount:     10,
		MaxFileSize:  25 * 1024 * 1024,
		MaxTotalSize: 100 * 1024 * 1024,
	}
}

// blockedTypes are executable and script MIME types refused before any
// network call. Checked against sniffed content, never the file extension.
var blockedTypes = map[string]bool{
	"application/x-executable":                      true,
	"application/x-elf":                             true,
	"application/x-mach-binary":                     true,
	"application/x-msdownload":                      true,
	"application/x-dosexec":                         true,
	"application/vnd.microsoft.portable-executable": true,
	"application/x-sh":                              true,
	"application/x-shellscript":                     true,
	"text/x-sh":                                     true,
	"text/x-shellscript":                            true,
}

// SniffContentType determines a file's MIME type from its leading bytes.
// It extends http.DetectContentType with executable magic numbers the stdlib
// sniffer reports as octet-stream.
func SniffContentType(data []byte) string {
	switch {
	case len(data) >= 4 && data[0] == 0x7f && data[1] == 'E' && data[2] == 'L' && data[3] == 'F':
		return "application/x-elf"
	case len(data) >= 2 && data[0] == 'M' && data[1] == 'Z':
		return "application/x-msdownload"
	case len(data) >= 4 && (string(data[:4]) == "\xfe\xed\xfa\xce" || string(data[:4]) == "\xfe\xed\xfa\xcf" ||
		string(data[:4]) == "\xcf\xfa\xed\xfe" || string(data[:4]) == "\xca\xfe\xba\xbe"):
		return "application/x-mach-binary"
	case len(data) >= 2 && data[0] == '#' && data[1] == '!':
		return "application/x-shellscript"
	}
	// DetectContentType may append a charset parameter; drop it.
	ct := http.DetectContentType(data)
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

// Blocked reports whether a sniffed content type is on the blocklist.
func Blocked(contentType string) bool {
	return blockedTypes[contentType]
}

// reservedNames are Windows device names that must not be used as filenames.
var reservedNames = regexp.MustCompile(`(?i)^(con|prn|aux|nul|com[1-9]|lpt[1-9])(\..*)?$`)

// Sanitize strips path separators and control characters from a filename and
// guards reserved device names. Never returns an empty string.
func Sanitize(filename string) string {
	// Keep only the final path element, under either separator convention.
	if i := strings.LastIndexAny(filename, `/\`); i >= 0 {
		filename = filename[i+1:]
	}
	filename = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, filename)
	filename = strings.TrimSpace(strings.Trim(filename, "."))

	if filename == "" {
		return "attachment"
	}
	if reservedNames.MatchString(filename) {
		return "_" + filename
	}
	return filename
}

// Digest computes the attachment digest ("sha256:<hex>") and size from a
// reader.
func Digest(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), n, nil
}

// DigestFile computes the digest of a file on disk.
func DigestFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return Digest(f)
}

// Prepared is a validated attachment ready for transfer, with the source
// file it was built from.
type Prepared struct {
	Meta       models.Attachment
	SourcePath string
}

// Validate checks attachment files against the limits and blocklist before
// any network call, computing digests and sniffing content types. Violating
// any limit aborts the whole send.
func Validate(paths []string, limits Limits) ([]Prepared, error) {
	if len(paths) > limits.MaxCount {
		return nil, fmt.Errorf("%w: %d files, limit %d", ErrTooManyAttachments, len(paths), limits.MaxCount)
	}

	var total int64
	out := make([]Prepared, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("attachment %s: %w", path, err)
		}
		if info.Size() > limits.MaxFileSize {
			return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrFileTooLarge, path, info.Size(), limits.MaxFileSize)
		}
		total += info.Size()
		if total > limits.MaxTotalSize {
			return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTotalTooLarge, total, limits.MaxTotalSize)
		}

		contentType, err := sniffFile(path)
		if err != nil {
			return nil, fmt.Errorf("attachment %s: %w", path, err)
		}
		if Blocked(contentType) {
			return nil, fmt.Errorf("%w: %s sniffed as %s", ErrBlockedType, path, contentType)
		}

		digest, size, err := DigestFile(path)
		if err != nil {
			return nil, fmt.Errorf("attachment %s: %w", path, err)
		}

		out = append(out, Prepared{
			Meta: models.Attachment{
				ID:          models.NewAttachmentID(),
				Filename:    Sanitize(path),
				ContentType: contentType,
				Size:        size,
				Digest:      digest,
				ScanStatus:  models.ScanUnscanned,
				LocalPath:   path,
			},
			SourcePath: path,
		})
	}
	return out, nil
}

func sniffFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return "", err
	}
	return SniffContentType(buf[:n]), nil
}
