package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"ndi.dev/core/ndierr"
	"ndi.dev/core/version"
)

// Per-operation timeouts. Uploads and bulk transfers move real data and get
// proportionally more time.
const (
	DefaultTimeout = 30 * time.Second
	UploadTimeout  = 120 * time.Second
	BulkTimeout    = 300 * time.Second
)

var placeholderPattern = regexp.MustCompile(`\{[^{}]+\}`)

// Client performs bearer-token requests against the archive API. Requests
// are best-effort: one attempt, mapped error, no retries.
type Client struct {
	cfg  *Config
	http *http.Client
}

// NewClient wraps cfg. The zero-timeout inner client is shared; per-request
// deadlines come from contexts.
func NewClient(cfg *Config) *Client {
	return &Client{cfg: cfg, http: &http.Client{}}
}

// Config exposes the client's current configuration (Login mutates it).
func (c *Client) Config() *Config { return c.cfg }

// expandTemplate substitutes {name} placeholders from pathParams and fails
// with BadArgument if any placeholder is left unresolved.
func expandTemplate(template string, pathParams map[string]string) (string, error) {
	expanded := template
	for name, value := range pathParams {
		expanded = strings.ReplaceAll(expanded, "{"+name+"}", url.PathEscape(value))
	}
	if leftover := placeholderPattern.FindString(expanded); leftover != "" {
		return "", ndierr.Newf(ndierr.BadArgument,
			"missing path parameter %s for template %s", leftover, template)
	}
	return expanded, nil
}

type requestOpts struct {
	pathParams  map[string]string
	queryParams map[string]string
	body        any
	timeout     time.Duration
}

// Get performs GET on a path template.
func (c *Client) Get(template string, pathParams, queryParams map[string]string) (any, error) {
	return c.do(http.MethodGet, template, requestOpts{pathParams: pathParams, queryParams: queryParams})
}

// Post performs POST with an optional JSON body.
func (c *Client) Post(template string, pathParams, queryParams map[string]string, body any) (any, error) {
	return c.do(http.MethodPost, template, requestOpts{pathParams: pathParams, queryParams: queryParams, body: body})
}

// Put performs PUT with an optional JSON body.
func (c *Client) Put(template string, pathParams, queryParams map[string]string, body any) (any, error) {
	return c.do(http.MethodPut, template, requestOpts{pathParams: pathParams, queryParams: queryParams, body: body})
}

// Delete performs DELETE on a path template.
func (c *Client) Delete(template string, pathParams, queryParams map[string]string) (any, error) {
	return c.do(http.MethodDelete, template, requestOpts{pathParams: pathParams, queryParams: queryParams})
}

func (c *Client) do(method, template string, opts requestOpts) (any, error) {
	path, err := expandTemplate(template, opts.pathParams)
	if err != nil {
		return nil, err
	}
	full := strings.TrimRight(c.cfg.APIURL, "/") + path
	if len(opts.queryParams) > 0 {
		values := url.Values{}
		for k, v := range opts.queryParams {
			values.Set(k, v)
		}
		full += "?" + values.Encode()
	}

	timeout := opts.timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var bodyReader io.Reader
	if opts.body != nil {
		data, err := json.Marshal(opts.body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, full, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "ndi-core/"+version.Version())
	if opts.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return mapResponse(resp.StatusCode, data)
}

// mapResponse applies the status-code contract: auth failures and missing
// resources get their own kinds, other non-2xx become ApiError with status
// and body, 2xx parses as JSON when it is JSON.
func mapResponse(status int, body []byte) (any, error) {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, ndierr.Newf(ndierr.AuthError, "request rejected with status %d: %s", status, string(body))
	case status == http.StatusNotFound:
		return nil, ndierr.Newf(ndierr.NotFound, "resource not found: %s", string(body))
	case status >= 400:
		return nil, ndierr.API(status, string(body))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return string(body), nil
	}
	return parsed, nil
}

// UploadPresigned PUTs raw bytes to a presigned URL. Failures are
// UploadError: the URL came from the API moments ago, so a rejection here is
// a transfer fault, not an auth fault.
func (c *Client) UploadPresigned(presignedURL string, data io.Reader, contentType string) error {
	ctx, cancel := context.WithTimeout(context.Background(), UploadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, presignedURL, data)
	if err != nil {
		return ndierr.Wrap(ndierr.UploadError, "failed to build presigned upload", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return ndierr.Wrap(ndierr.UploadError, "presigned upload failed", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return ndierr.Newf(ndierr.UploadError, "presigned upload rejected with status %d: %s",
			resp.StatusCode, string(body))
	}
	return nil
}

// DownloadStream GETs a raw (typically presigned) URL and returns the body
// stream; the caller owns closing it. Used by the on-demand file resolver
// and bulk downloads.
func (c *Client) DownloadStream(rawURL string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(context.Background(), BulkTimeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("download failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		cancel()
		_, err := mapResponse(resp.StatusCode, body)
		return nil, err
	}
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
