// Package api talks to the Ghiblit backend: bearer-token injection, a single silent
// token refresh on 401, and typed wrappers for every endpoint the client consumes.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/digkill/ghiblit/internal/config"
	"github.com/digkill/ghiblit/internal/credentials"
)

const refreshPath = "token/refresh/"

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	creds      credentials.Store
	log        *slog.Logger
}

// Error is returned for every non-2xx backend response.
type Error struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
	Body       string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("ghiblit api: %s %s: status=%d: %s", e.Method, e.Path, e.StatusCode, msg)
}

// StatusCode extracts the HTTP status of an *Error, or 0 for any other error.
func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func IsUnauthorized(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}

type request struct {
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
	// anonymous requests never carry a bearer token and never trigger a refresh.
	anonymous bool
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func NewClient(cfg config.Config, creds credentials.Store, log *slog.Logger) (*Client, error) {
	base := strings.TrimSpace(cfg.APIBaseURL)
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("api base url must be absolute: %q", cfg.APIBaseURL)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		baseURL: parsed,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		creds: creds,
		log:   log,
	}, nil
}

func jsonRequest(method, path string, payload any) (request, error) {
	req := request{method: method, path: path}
	if payload == nil {
		return req, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return request{}, fmt.Errorf("marshal payload: %w", err)
	}
	req.body = body
	req.contentType = "application/json"
	return req, nil
}

// FilePart is one binary field of a multipart upload.
type FilePart struct {
	Field       string
	Filename    string
	ContentType string
	Data        []byte
}

func multipartRequest(path string, fields map[string]string, file FilePart) (request, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, file.Field, file.Filename))
	ct := file.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	header.Set("Content-Type", ct)
	part, err := w.CreatePart(header)
	if err != nil {
		return request{}, fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return request{}, fmt.Errorf("write file part: %w", err)
	}
	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return request{}, fmt.Errorf("write field %s: %w", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return request{}, fmt.Errorf("close multipart: %w", err)
	}

	return request{
		method:      http.MethodPost,
		path:        path,
		body:        buf.Bytes(),
		contentType: w.FormDataContentType(),
	}, nil
}

// execute sends req with the stored access token. A 401 triggers exactly one refresh
// and one replay; the replayed response is returned whatever its status.
func (c *Client) execute(ctx context.Context, req request) (*response, error) {
	var tokens credentials.Tokens
	if !req.anonymous {
		var err error
		tokens, err = c.creds.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load credentials: %w", err)
		}
	}

	resp, err := c.send(ctx, req, tokens.Access)
	if err != nil {
		return nil, err
	}
	origErr := c.checkStatus(req, resp)
	if origErr == nil {
		return resp, nil
	}
	if req.anonymous || resp.status != http.StatusUnauthorized {
		return nil, origErr
	}
	if tokens.Refresh == "" {
		c.log.Info("no refresh token available for retrying 401", "path", req.path)
		return nil, origErr
	}

	access, err := c.refreshAccess(ctx, tokens.Refresh)
	if err != nil {
		c.log.Warn("token refresh failed", "err", err)
		if clearErr := c.creds.Clear(ctx); clearErr != nil {
			c.log.Error("clear credentials after failed refresh", "err", clearErr)
		}
		return nil, origErr
	}
	if err := c.creds.SwapAccess(ctx, tokens.Refresh, access); err != nil {
		// A logout landed while the refresh was in flight; it wins.
		c.log.Info("refreshed token discarded", "path", req.path, "err", err)
		return nil, origErr
	}

	resp, err = c.send(ctx, req, access)
	if err != nil {
		return nil, err
	}
	if err := c.checkStatus(req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) refreshAccess(ctx context.Context, refresh string) (string, error) {
	req, err := jsonRequest(http.MethodPost, refreshPath, map[string]string{"refresh": refresh})
	if err != nil {
		return "", err
	}
	req.anonymous = true

	resp, err := c.send(ctx, req, "")
	if err != nil {
		return "", err
	}
	if err := c.checkStatus(req, resp); err != nil {
		return "", err
	}

	var out struct {
		Access string `json:"access"`
	}
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return "", fmt.Errorf("decode refresh response: %w (body=%s)", err, truncateBody(resp.body))
	}
	if out.Access == "" {
		return "", fmt.Errorf("empty access token in refresh response")
	}
	return out.Access, nil
}

func (c *Client) send(ctx context.Context, req request, access string) (*response, error) {
	ref := &url.URL{Path: req.path}
	if len(req.query) > 0 {
		ref.RawQuery = req.query.Encode()
	}
	fullURL := c.baseURL.ResolveReference(ref).String()

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	httpReq.Header.Set("Accept", "application/json, */*")
	if access != "" && !req.anonymous {
		httpReq.Header.Set("Authorization", "Bearer "+access)
	}

	c.log.Debug("ghiblit api request", "method", req.method, "path", req.path)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.method, req.path, err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: rawBody}, nil
}

func (c *Client) checkStatus(req request, resp *response) error {
	if resp.status < 300 {
		return nil
	}
	c.log.Error("ghiblit api request failed", "method", req.method, "path", req.path, "status", resp.status, "body", truncateBody(resp.body))
	return &Error{
		StatusCode: resp.status,
		Method:     req.method,
		Path:       req.path,
		Message:    errorMessage(resp.body),
		Body:       truncateBody(resp.body),
	}
}

func (c *Client) doJSON(ctx context.Context, req request, out any) error {
	resp, err := c.execute(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(resp.body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("decode %s response: %w (body=%s)", req.path, err, truncateBody(resp.body))
	}
	return nil
}

// errorMessage pulls the human readable part out of DRF style error bodies.
func errorMessage(body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	for _, key := range []string{"error", "detail", "message"} {
		if v, ok := payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
