package provider

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentmail-protocol/agentmail/internal/models"
)

// Error is a non-2xx response from a provider. Never retried automatically.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Status, e.Message)
}

// HTTPClient talks the provider HTTP contract over JSON. One instance per
// provider base URL; safe for sequential use per invocation flow.
type HTTPClient struct {
	kind       Kind
	baseURL    string
	agent      string // address used in auth headers
	privateKey ed25519.PrivateKey
	httpc      *http.Client
	logger     zerolog.Logger
}

// NewHTTPClient builds a provider client. The timeout bounds every call;
// attachment transfers get their own generous client below.
func NewHTTPClient(kind Kind, baseURL, agent string, privateKey ed25519.PrivateKey, timeout time.Duration, logger zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		kind:       kind,
		baseURL:    strings.TrimRight(baseURL, "/"),
		agent:      agent,
		privateKey: privateKey,
		httpc:      &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Kind returns whether this client points at the mesh or an external provider.
func (c *HTTPClient) Kind() Kind { return c.kind }

// signHeaders creates authentication headers for a request body:
// the signature covers sha256hex(body)|nonce|timestamp.
func (c *HTTPClient) signHeaders(body []byte) http.Header {
	hash := sha256.Sum256(body)
	hashHex := hex.EncodeToString(hash[:])

	nonceBytes := make([]byte, 12)
	rand.Read(nonceBytes)
	nonce := hex.EncodeToString(nonceBytes)

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	payload := fmt.Sprintf("%s|%s|%s", hashHex, nonce, timestamp)
	sig := ed25519.Sign(c.privateKey, []byte(payload))

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("X-Agentmail-Agent", c.agent)
	headers.Set("X-Agentmail-Nonce", nonce)
	headers.Set("X-Agentmail-Timestamp", timestamp)
	headers.Set("X-Agentmail-Signature", base64.StdEncoding.EncodeToString(sig))
	return headers
}

// doRequest performs a JSON request against the provider API.
func (c *HTTPClient) doRequest(ctx context.Context, method, url string, body []byte, reg *Registration, signed bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	if signed {
		req.Header = c.signHeaders(body)
	} else {
		req.Header.Set("Content-Type", "application/json")
	}
	if reg != nil && reg.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+reg.Credential)
	}
	req.Header.Set("X-Request-Id", uuid.Must(uuid.NewV7()).String())

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("method", method).
		Str("url", url).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("provider request")

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return nil, &Error{Status: resp.StatusCode, Message: errResp.Error}
	}
	return respBody, nil
}

// Register implements Client.
func (c *HTTPClient) Register(ctx context.Context, name, tenant, publicKeyB64 string) (*Registration, error) {
	req := struct {
		Name      string `json:"name"`
		Tenant    string `json:"tenant"`
		PublicKey string `json:"public_key"`
	}{name, tenant, publicKeyB64}
	body, _ := json.Marshal(req)

	respBody, err := c.doRequest(ctx, http.MethodPost, c.baseURL+"/register", body, nil, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Address    string `json:"address"`
		Credential string `json:"credential"`
		RouteURL   string `json:"route_url"`
		Provider   string `json:"provider"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	routeURL := resp.RouteURL
	if routeURL == "" {
		routeURL = c.baseURL + "/route"
	}
	return &Registration{
		Provider:     resp.Provider,
		BaseURL:      c.baseURL,
		RouteURL:     routeURL,
		Address:      resp.Address,
		Credential:   resp.Credential,
		RegisteredAt: time.Now().UTC(),
	}, nil
}

// Route implements Client. Local-only fields are stripped before the message
// crosses the wire.
func (c *HTTPClient) Route(ctx context.Context, msg *models.Message, reg *Registration) (*RouteResult, error) {
	body, err := json.Marshal(msg.StripLocal())
	if err != nil {
		return nil, err
	}

	url := c.baseURL + "/route"
	if reg != nil && reg.RouteURL != "" {
		url = reg.RouteURL
	}
	respBody, err := c.doRequest(ctx, http.MethodPost, url, body, reg, true)
	if err != nil {
		return nil, err
	}

	var result RouteResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, err
	}
	if result.Status == "" {
		result.Status = "accepted"
	}
	return &result, nil
}

// Fetch implements Client.
func (c *HTTPClient) Fetch(ctx context.Context, reg *Registration) ([]*models.Message, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, c.baseURL+"/inbox", nil, reg, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Messages []*models.Message `json:"messages"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Ack implements Client: deletes a delivered message on the provider so it
// is not redelivered.
func (c *HTTPClient) Ack(ctx context.Context, reg *Registration, messageID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, c.baseURL+"/inbox/"+messageID, nil, reg, true)
	return err
}

// LookupKey implements Client. A 404 means the provider does not know the
// address; that is not an error, just an unverifiable signature.
func (c *HTTPClient) LookupKey(ctx context.Context, reg *Registration, addr string) (string, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, c.baseURL+"/who/"+addr, nil, reg, false)
	if err != nil {
		var provErr *Error
		if errors.As(err, &provErr) && provErr.Status == http.StatusNotFound {
			return "", nil
		}
		return "", err
	}

	var resp struct {
		PublicKey string `json:"public_key"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", err
	}
	return resp.PublicKey, nil
}

// InitUpload implements Client: phase one of the attachment upload.
func (c *HTTPClient) InitUpload(ctx context.Context, reg *Registration, meta models.Attachment) (*UploadSlot, error) {
	if reg == nil || reg.Credential == "" {
		return nil, ErrNoCredential
	}
	req := struct {
		Filename    string `json:"filename"`
		ContentType string `json:"content_type"`
		Size        int64  `json:"size"`
		Digest      string `json:"digest"`
	}{meta.Filename, meta.ContentType, meta.Size, meta.Digest}
	body, _ := json.Marshal(req)

	respBody, err := c.doRequest(ctx, http.MethodPost, c.baseURL+"/attachments", body, reg, true)
	if err != nil {
		return nil, err
	}

	var slot UploadSlot
	if err := json.Unmarshal(respBody, &slot); err != nil {
		return nil, err
	}
	return &slot, nil
}

// UploadBytes implements Client: phase two, raw bytes to the upload URL.
// Uses a client without the short API timeout; large files are bounded by
// the caller's context instead.
func (c *HTTPClient) UploadBytes(ctx context.Context, uploadURL string, r io.Reader, size int64, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, r)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Request-Id", uuid.Must(uuid.NewV7()).String())

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("provider unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &Error{Status: resp.StatusCode, Message: "upload failed"}
	}
	return nil
}

// ConfirmUpload implements Client: phase three.
func (c *HTTPClient) ConfirmUpload(ctx context.Context, reg *Registration, attachmentID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, c.baseURL+"/attachments/"+attachmentID+"/confirm", nil, reg, true)
	return err
}

// ScanStatus implements Client.
func (c *HTTPClient) ScanStatus(ctx context.Context, reg *Registration, attachmentID string) (models.ScanStatus, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, c.baseURL+"/attachments/"+attachmentID+"/status", nil, reg, false)
	if err != nil {
		return "", err
	}
	var resp struct {
		ScanStatus models.ScanStatus `json:"scan_status"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", err
	}
	return resp.ScanStatus, nil
}

// Download implements Client: direct URL when present, authenticated
// provider endpoint otherwise.
func (c *HTTPClient) Download(ctx context.Context, reg *Registration, att models.Attachment) (io.ReadCloser, error) {
	url := att.DownloadURL
	if url == "" {
		url = c.baseURL + "/attachments/" + att.ID
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if reg != nil && reg.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+reg.Credential)
	}
	req.Header.Set("X-Request-Id", uuid.Must(uuid.NewV7()).String())

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider unreachable: %w", err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, &Error{Status: resp.StatusCode, Message: "download failed"}
	}
	return resp.Body, nil
}
