// Package jsonapi performs the external JSON API calls issued by
// conversation steps. Parameters are routed into the query string,
// headers or the JSON body, and remote error payloads are surfaced as
// typed errors.
package jsonapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/convoflow/convoflow/core"
	"github.com/convoflow/convoflow/logging"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// RemoteError is returned when the remote endpoint signals failure,
// either with a non-2xx status or an "error" field in its JSON payload.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("jsonapi: remote error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("jsonapi: remote error (status %d)", e.Status)
}

// Options configures the Client.
type Options struct {
	// HTTPClient performs the requests. Defaults to a client with
	// Timeout applied.
	HTTPClient *http.Client

	// Timeout bounds each call when no HTTPClient is supplied.
	Timeout time.Duration

	// Logger receives call diagnostics.
	Logger logging.Logger
}

// Client is the default core.Invoker. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	logger     logging.Logger
}

var _ core.Invoker = (*Client)(nil)

// New creates a JSON API client.
func New(optFns ...func(o *Options)) *Client {
	opts := Options{
		Timeout: 30 * time.Second,
		Logger:  logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}

	return &Client{
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
	}
}

// Do executes the call described by req. Query, header and body
// parameters are split by their SendIn hint; body parameters are
// assembled into a JSON object. The response must be valid JSON, and a
// top-level "error" field fails the call even on a 2xx status.
func (c *Client) Do(ctx context.Context, req core.APIRequest) (*core.APIResult, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("jsonapi: missing url")
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("jsonapi: parse url %q: %w", req.URL, err)
	}

	query := target.Query()
	headers := map[string]string{}
	body := []byte(nil)

	for _, p := range req.Params {
		switch p.SendIn {
		case "query_string":
			query.Set(p.Key, p.Value)
		case "header":
			headers[p.Key] = p.Value
		default:
			if body == nil {
				body = []byte("{}")
			}
			body, err = sjson.SetBytes(body, p.Key, p.Value)
			if err != nil {
				return nil, fmt.Errorf("jsonapi: build body param %q: %w", p.Key, err)
			}
		}
	}

	target.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil && method != http.MethodGet {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("jsonapi: build request: %w", err)
	}

	httpReq.Header.Set("Accept", "application/json")
	if reader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("jsonapi: call %s %s: %w", method, req.URL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("jsonapi: read response: %w", err)
	}

	c.logger.Debug("json api call completed",
		"method", method,
		"url", target.String(),
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RemoteError{
			Status:  resp.StatusCode,
			Message: gjson.GetBytes(raw, "error").String(),
		}
	}

	if len(raw) > 0 && !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("jsonapi: invalid JSON response from %s", req.URL)
	}

	if errField := gjson.GetBytes(raw, "error"); errField.Exists() {
		return nil, &RemoteError{
			Status:  resp.StatusCode,
			Message: errField.String(),
		}
	}

	return &core.APIResult{Raw: raw}, nil
}
