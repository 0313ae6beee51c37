package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// maxWSMessageSize is the maximum WebSocket message size (16MB).
const maxWSMessageSize = 16 * 1024 * 1024

// callServiceID is the id of the single command sent on each connection.
const callServiceID = 1

// WSClient calls services over the Home Assistant WebSocket API.
// Every call dials, authenticates, sends one call_service command and closes.
type WSClient struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
}

// NewWSClient creates a WebSocket client with default configuration.
func NewWSClient(baseURL, token string) *WSClient {
	return NewWSClientWithConfig(baseURL, token, DefaultClientConfig())
}

// NewWSClientWithConfig creates a WebSocket client with custom configuration.
func NewWSClientWithConfig(baseURL, token string, config ClientConfig) *WSClient {
	return &WSClient{
		baseURL: normalizeBaseURL(baseURL),
		token:   token,
		timeout: config.Timeout,
		// websocket.Dial rejects clients with a Timeout; the deadline comes from ctx.
		httpClient: &http.Client{Transport: newTransport(config)},
	}
}

// buildWSURL converts the base URL to the WebSocket endpoint, keeping any path prefix.
func (c *WSClient) buildWSURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/websocket"
	return u.String(), nil
}

// CallService runs one call_service exchange on a fresh connection.
func (c *WSClient) CallService(ctx context.Context, call ServiceCall) (*ServiceResponse, error) {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return nil, &CallError{Kind: KindInvalidRequest, Err: fmt.Errorf("building WebSocket URL: %w", err)}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: c.httpClient})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, &CallError{Kind: KindTransport, Err: fmt.Errorf("dialing WebSocket: %w", err)}
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(maxWSMessageSize)

	if err := c.authenticate(ctx, conn); err != nil {
		return nil, err
	}

	cmd := WSCallServiceCommand{
		ID:          callServiceID,
		Type:        wsTypeCallService,
		Domain:      call.Domain,
		Service:     call.Action,
		ServiceData: call.Body(),
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, &CallError{Kind: KindInvalidRequest, Err: fmt.Errorf("encoding call_service: %w", err)}
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, &CallError{Kind: KindTransport, Err: fmt.Errorf("sending call_service: %w", err)}
	}

	result, err := c.readResult(ctx, conn)
	if err != nil {
		return nil, err
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")

	if !result.Success {
		msg := "call_service failed"
		if result.Error != nil {
			msg = fmt.Sprintf("%s: %s", result.Error.Code, result.Error.Message)
		}
		return nil, &CallError{Kind: KindProtocol, Err: errors.New(msg)}
	}

	out := &ServiceResponse{}
	if len(result.Result) > 0 && string(result.Result) != "null" {
		var payload wsCallServiceResult
		if err := json.Unmarshal(result.Result, &payload); err != nil {
			return nil, &CallError{Kind: KindDecode, Err: fmt.Errorf("decoding call_service result: %w", err)}
		}
		out.Context = payload.Context
	}
	return out, nil
}

// authenticate performs the Home Assistant WebSocket authentication flow.
func (c *WSClient) authenticate(ctx context.Context, conn *websocket.Conn) error {
	env, _, err := readEnvelope(ctx, conn)
	if err != nil {
		return err
	}
	if env.Type != wsTypeAuthRequired {
		return &CallError{Kind: KindProtocol, Err: fmt.Errorf("expected auth_required, got %s", env.Type)}
	}

	authData, err := json.Marshal(WSAuthMessage{Type: wsTypeAuth, AccessToken: c.token})
	if err != nil {
		return &CallError{Kind: KindInvalidRequest, Err: fmt.Errorf("marshaling auth message: %w", err)}
	}
	if err := conn.Write(ctx, websocket.MessageText, authData); err != nil {
		return &CallError{Kind: KindTransport, Err: fmt.Errorf("sending auth message: %w", err)}
	}

	env, data, err := readEnvelope(ctx, conn)
	if err != nil {
		return err
	}
	switch env.Type {
	case wsTypeAuthOK:
		return nil
	case wsTypeAuthInvalid:
		var invalid WSAuthInvalid
		msg := "invalid credentials"
		if json.Unmarshal(data, &invalid) == nil && invalid.Message != "" {
			msg = invalid.Message
		}
		return &CallError{
			Kind:       KindProtocol,
			StatusCode: http.StatusUnauthorized,
			Err:        &APIError{StatusCode: http.StatusUnauthorized, Message: "authentication failed: " + msg},
		}
	default:
		return &CallError{Kind: KindProtocol, Err: fmt.Errorf("unexpected auth response type: %s", env.Type)}
	}
}

// readResult reads messages until the result for callServiceID arrives.
func (c *WSClient) readResult(ctx context.Context, conn *websocket.Conn) (*WSResultMessage, error) {
	for {
		env, data, err := readEnvelope(ctx, conn)
		if err != nil {
			return nil, err
		}
		if env.Type != wsTypeResult || env.ID != callServiceID {
			continue
		}
		var result WSResultMessage
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, &CallError{Kind: KindDecode, Err: fmt.Errorf("decoding result: %w", err)}
		}
		return &result, nil
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (wsEnvelope, []byte, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return wsEnvelope{}, nil, &CallError{Kind: KindTransport, Err: fmt.Errorf("reading message: %w", err)}
	}
	env, err := parseEnvelope(data)
	if err != nil {
		return wsEnvelope{}, nil, &CallError{Kind: KindDecode, Err: fmt.Errorf("parsing message: %w", err)}
	}
	return env, data, nil
}
