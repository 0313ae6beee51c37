package homeassistant

import "encoding/json"

// WebSocket message types used by the call_service exchange.
const (
	wsTypeAuthRequired = "auth_required"
	wsTypeAuth         = "auth"
	wsTypeAuthOK       = "auth_ok"
	wsTypeAuthInvalid  = "auth_invalid"
	wsTypeCallService  = "call_service"
	wsTypeResult       = "result"
)

// WSAuthMessage is sent to authenticate with Home Assistant.
type WSAuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

// WSAuthInvalid is received when authentication fails.
type WSAuthInvalid struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// WSCallServiceCommand represents a call_service command.
type WSCallServiceCommand struct {
	ID          int64          `json:"id"`
	Type        string         `json:"type"`
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	ServiceData map[string]any `json:"service_data,omitempty"`
}

// WSResultMessage represents a command result from Home Assistant.
type WSResultMessage struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WSError        `json:"error,omitempty"`
}

// WSError represents an error in a WebSocket response.
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wsCallServiceResult is the result payload of a successful call_service.
type wsCallServiceResult struct {
	Context *Context `json:"context"`
}

// wsEnvelope holds the fields every incoming message carries.
type wsEnvelope struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// parseEnvelope extracts the message id and type from a raw JSON message.
func parseEnvelope(data []byte) (wsEnvelope, error) {
	var env wsEnvelope
	err := json.Unmarshal(data, &env)
	return env, err
}
