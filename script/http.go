package script

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/convoflow/convoflow/logging"
)

// HTTPProviderOptions configures the remote script provider.
type HTTPProviderOptions struct {
	// HTTPClient performs the requests. Defaults to a client with Timeout.
	HTTPClient *http.Client

	// Timeout bounds each request when HTTPClient is nil.
	Timeout time.Duration

	Logger logging.Logger
}

// HTTPProvider fetches scripts from a remote authoring service. Scripts
// are addressed under /api/v1/commands; the access token rides along as a
// query parameter.
type HTTPProvider struct {
	baseURL string
	token   string
	client  *http.Client
	logger  logging.Logger
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider creates a provider backed by the authoring service at
// baseURL, authenticating with token.
func NewHTTPProvider(baseURL, token string, optFns ...func(o *HTTPProviderOptions)) *HTTPProvider {
	opts := HTTPProviderOptions{
		Timeout: 30 * time.Second,
		Logger:  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
		logger:  opts.Logger,
	}
}

// GetScript fetches the script registered under the given command name.
func (p *HTTPProvider) GetScript(ctx context.Context, name string) (*Script, error) {
	q := url.Values{"command": {name}}
	return p.fetch(ctx, http.MethodGet, "/api/v1/commands/name", q, nil)
}

// GetScriptByID fetches a script by its id.
func (p *HTTPProvider) GetScriptByID(ctx context.Context, id string) (*Script, error) {
	return p.fetch(ctx, http.MethodGet, "/api/v1/commands/"+url.PathEscape(id), nil, nil)
}

// EvaluateTrigger asks the authoring service which script, if any, the
// text triggers. Trigger matching happens server side so authors can
// change phrases without redeploying the bot.
func (p *HTTPProvider) EvaluateTrigger(ctx context.Context, text, user string) (*Script, error) {
	body := map[string]string{"trigger": text, "user": user}
	return p.fetch(ctx, http.MethodPost, "/api/v1/commands/triggers", nil, body)
}

func (p *HTTPProvider) fetch(ctx context.Context, method, path string, q url.Values, body any) (*Script, error) {
	if q == nil {
		q = url.Values{}
	}
	if p.token != "" {
		q.Set("access_token", p.token)
	}
	endpoint := p.baseURL + path + "?" + q.Encode()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("script: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("script: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("script: fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("script: read response: %w", err)
	}

	p.logger.Debug("script fetched",
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("script: fetch %s: unexpected status %d", path, resp.StatusCode)
	}

	var s Script
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("script: decode script: %w", err)
	}
	if s.Command == "" && len(s.Threads) == 0 {
		return nil, ErrNotFound
	}
	return &s, nil
}
