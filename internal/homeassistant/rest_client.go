package homeassistant

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// noResponseBody is the default message when server returns empty response.
const noResponseBody = "no response body"

// maxResponseBody caps how much of a response body is read.
const maxResponseBody = 16 * 1024 * 1024

// ClientConfig configures the REST and WebSocket clients.
type ClientConfig struct {
	// Timeout bounds a whole call. Zero means no timeout.
	Timeout time.Duration
	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout: 30 * time.Second,
	}
}

// RESTClient calls services through POST /api/services/{domain}/{service}.
type RESTClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewRESTClient creates a new REST client with default configuration.
func NewRESTClient(baseURL, token string) *RESTClient {
	return NewRESTClientWithConfig(baseURL, token, DefaultClientConfig())
}

// NewRESTClientWithConfig creates a new REST client with custom configuration.
func NewRESTClientWithConfig(baseURL, token string, config ClientConfig) *RESTClient {
	return &RESTClient{
		baseURL: normalizeBaseURL(baseURL),
		token:   token,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: newTransport(config),
		},
	}
}

// normalizeBaseURL removes a trailing slash, and the path when it is exactly
// /api. Longer prefixes ending in /api belong to a proxy and are kept.
func normalizeBaseURL(baseURL string) string {
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" && u.Path == "/api" && u.RawQuery == "" {
		u.Path = ""
		u.RawPath = ""
		return u.String()
	}
	return baseURL
}

// newTransport builds an isolated transport so the TLS choice never leaks
// into http.DefaultTransport. Keep-alives are off: each call owns its
// connection from dial to close.
func newTransport(config ClientConfig) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DisableKeepAlives = true
	if config.InsecureSkipVerify {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via homeassistant.insecure_skip_verify
	}
	return t
}

// ServiceURL returns the endpoint for a service call.
func (c *RESTClient) ServiceURL(domain, service string) string {
	return fmt.Sprintf("%s/api/services/%s/%s", c.baseURL, url.PathEscape(domain), url.PathEscape(service))
}

// CallService posts the call body to Home Assistant.
// Only status 200 counts as success. The body is decoded as the list of
// states that changed while the service ran; a body that is valid JSON of
// another shape still means the service ran and leaves ChangedStates empty.
func (c *RESTClient) CallService(ctx context.Context, call ServiceCall) (*ServiceResponse, error) {
	payload, err := json.Marshal(call.Body())
	if err != nil {
		return nil, &CallError{Kind: KindInvalidRequest, Err: fmt.Errorf("encoding request body: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ServiceURL(call.Domain, call.Action), bytes.NewReader(payload))
	if err != nil {
		return nil, &CallError{Kind: KindInvalidRequest, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &CallError{Kind: KindTransport, Err: fmt.Errorf("executing request: %w", err)}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &CallError{Kind: KindTransport, StatusCode: resp.StatusCode, Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &CallError{
			Kind:       KindProtocol,
			StatusCode: resp.StatusCode,
			Err:        statusError(resp.StatusCode, call, body),
		}
	}

	out := &ServiceResponse{}
	if len(bytes.TrimSpace(body)) == 0 {
		return out, nil
	}
	if !json.Valid(body) {
		return nil, &CallError{Kind: KindDecode, StatusCode: resp.StatusCode, Err: errors.New("decoding response: invalid JSON")}
	}
	var changed []Entity
	if err := json.Unmarshal(body, &changed); err == nil {
		out.ChangedStates = changed
	}
	return out, nil
}

// statusError maps a non-200 response to an APIError.
func statusError(status int, call ServiceCall, body []byte) *APIError {
	bodyStr := strings.TrimSpace(string(body))
	if bodyStr == "" {
		bodyStr = noResponseBody
	}

	switch status {
	case http.StatusBadRequest:
		return &APIError{StatusCode: status, Message: fmt.Sprintf("bad request for %s: %s", call.Service(), bodyStr)}
	case http.StatusUnauthorized:
		return &APIError{StatusCode: status, Message: "unauthorized: invalid or expired token"}
	case http.StatusForbidden:
		return &APIError{StatusCode: status, Message: fmt.Sprintf("forbidden: insufficient permissions to call %s", call.Service())}
	case http.StatusNotFound:
		return &APIError{StatusCode: status, Message: fmt.Sprintf("service not found: %s", call.Service())}
	default:
		return &APIError{StatusCode: status, Message: fmt.Sprintf("unexpected status %d: %s", status, bodyStr)}
	}
}
