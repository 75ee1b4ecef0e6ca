package imageservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/example/bg-remover/internal/logging"
	"github.com/example/bg-remover/internal/workflow"
)

const (
	// maxResponseBytes caps JSON bodies from the service.
	maxResponseBytes = 1 << 20
	// MaxResultBytes caps a downloaded processed image.
	MaxResultBytes = 64 << 20
)

// ErrNotFound is wrapped by errors for 404 responses.
var ErrNotFound = errors.New("not found")

// StatusError reports a non-2xx response from the service.
type StatusError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// Is matches ErrNotFound for 404 responses.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Config describes how to reach the service.
type Config struct {
	BaseURL    string
	APIToken   string
	HTTPClient *http.Client
}

// Client talks to the background-removal service over HTTP/JSON.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	logger *zap.Logger
}

var _ workflow.Service = (*Client)(nil)

// New returns a client for the service at cfg.BaseURL.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse service url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("service url %q must be http or https", cfg.BaseURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		base:   base,
		token:  strings.TrimSpace(cfg.APIToken),
		http:   httpClient,
		logger: logger.Named("imageservice"),
	}, nil
}

type uploadResponse struct {
	ImageID json.RawMessage `json:"image_id"`
}

type processResponse struct {
	ProcessedFilename json.RawMessage `json:"processed_filename"`
}

type statusResponse struct {
	ID               json.RawMessage `json:"id"`
	Filename         string          `json:"filename"`
	OriginalFilename string          `json:"original_filename"`
	Processed        bool            `json:"processed"`
	UploadDate       string          `json:"upload_date"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Upload posts the image as multipart field "image" and returns the image id
// the service assigned.
func (c *Client) Upload(ctx context.Context, img workflow.Image) (string, error) {
	body, contentType, err := multipartBody(img)
	if err != nil {
		return "", c.fail(ctx, "imageservice.upload", err)
	}

	var resp uploadResponse
	if err := c.doJSON(ctx, http.MethodPost, c.endpoint("upload"), body, contentType, &resp); err != nil {
		return "", c.fail(ctx, "imageservice.upload", err)
	}
	id, err := opaqueID(resp.ImageID)
	if err != nil {
		return "", c.fail(ctx, "imageservice.upload", fmt.Errorf("image_id: %w", err))
	}
	return id, nil
}

// Process asks the service to remove the background of imageID and returns
// the processed filename.
func (c *Client) Process(ctx context.Context, imageID string) (string, error) {
	var resp processResponse
	if err := c.doJSON(ctx, http.MethodPost, c.endpoint("process", imageID), nil, "", &resp); err != nil {
		return "", c.fail(ctx, "imageservice.process", err)
	}
	ref, err := opaqueID(resp.ProcessedFilename)
	if err != nil {
		return "", c.fail(ctx, "imageservice.process", fmt.Errorf("processed_filename: %w", err))
	}
	return ref, nil
}

// Status returns the service's record for imageID.
func (c *Client) Status(ctx context.Context, imageID string) (*workflow.RemoteStatus, error) {
	var resp statusResponse
	if err := c.doJSON(ctx, http.MethodGet, c.endpoint("status", imageID), nil, "", &resp); err != nil {
		return nil, c.fail(ctx, "imageservice.status", err)
	}
	id, err := opaqueID(resp.ID)
	if err != nil {
		id = imageID
	}
	return &workflow.RemoteStatus{
		ID:               id,
		Filename:         resp.Filename,
		OriginalFilename: resp.OriginalFilename,
		Processed:        resp.Processed,
		UploadDate:       resp.UploadDate,
	}, nil
}

// Fetch downloads the processed image behind ref.
func (c *Client) Fetch(ctx context.Context, ref string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.ResultURL(ref), nil, "")
	if err != nil {
		return nil, c.fail(ctx, "imageservice.fetch", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.fail(ctx, "imageservice.fetch", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, c.fail(ctx, "imageservice.fetch", err)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResultBytes+1))
	if err != nil {
		return nil, c.fail(ctx, "imageservice.fetch", err)
	}
	if len(data) > MaxResultBytes {
		return nil, c.fail(ctx, "imageservice.fetch", fmt.Errorf("result exceeds %d bytes", MaxResultBytes))
	}
	return data, nil
}

// ResultURL is the retrievable locator of a processed result.
func (c *Client) ResultURL(ref string) string {
	return c.endpoint("download", ref)
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.base
	escaped := make([]string, 0, len(parts))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	u.Path = strings.TrimRight(c.base.Path, "/") + "/" + strings.Join(parts, "/")
	u.RawPath = strings.TrimRight(c.base.EscapedPath(), "/") + "/" + strings.Join(escaped, "/")
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if _, requestID := logging.IDsFromContext(ctx); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, target string, body io.Reader, contentType string, out any) error {
	req, err := c.newRequest(ctx, method, target, body, contentType)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) fail(ctx context.Context, operation string, err error) error {
	wrapped := logging.NewOperationErrorContext(ctx, operation, err)
	c.logger.Warn("image service call failed", zap.Error(wrapped))
	return wrapped
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	var payload errorResponse
	msg := ""
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	} else {
		msg = strings.TrimSpace(string(raw))
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg}
}

// quoteEscaper matches the escaping mime/multipart applies to form file names.
var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func multipartBody(img workflow.Image) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	name := strings.TrimSpace(img.Name)
	if name == "" {
		name = "upload"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, quoteEscaper.Replace(name)))
	if img.MIMEType != "" {
		header.Set("Content-Type", img.MIMEType)
	} else {
		header.Set("Content-Type", "application/octet-stream")
	}

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}

// opaqueID renders a scalar JSON identifier as text. Strings are unquoted;
// numbers and other literals keep their JSON spelling. Objects and arrays are
// rejected.
func opaqueID(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", errors.New("missing identifier")
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		if strings.TrimSpace(s) == "" {
			return "", errors.New("empty identifier")
		}
		return s, nil
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		return "", fmt.Errorf("identifier must be a scalar, got %s", trimmed)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, trimmed); err != nil {
		return "", err
	}
	return compact.String(), nil
}
