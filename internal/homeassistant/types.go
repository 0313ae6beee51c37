package homeassistant

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Entity represents a Home Assistant entity state as returned by a service call.
type Entity struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
	Context     Context        `json:"context"`
}

// Context represents the context of a state change.
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// ServiceResponse is what Home Assistant reported back for a successful call.
// The REST API lists the states that changed while the service ran; the
// WebSocket API only reports the context of the call.
type ServiceResponse struct {
	ChangedStates []Entity
	Context       *Context
}

// ServiceCall is a single "call service" request: one action applied to one entity.
type ServiceCall struct {
	EntityID string
	Domain   string
	Action   string
	Params   map[string]any
}

// NewServiceCall validates entityID and action and builds the call.
// Validation failures are returned as a *CallError of kind KindInvalidRequest.
func NewServiceCall(entityID, action string, params map[string]any) (ServiceCall, error) {
	domain, _, err := ParseEntityID(entityID)
	if err != nil {
		return ServiceCall{}, &CallError{Kind: KindInvalidRequest, Err: err}
	}
	if err := validateSegment("action", action); err != nil {
		return ServiceCall{}, &CallError{Kind: KindInvalidRequest, Err: err}
	}
	return ServiceCall{
		EntityID: entityID,
		Domain:   domain,
		Action:   action,
		Params:   params,
	}, nil
}

// ParseEntityID splits "<domain>.<object_id>" at the first dot.
func ParseEntityID(entityID string) (domain, objectID string, err error) {
	domain, objectID, found := strings.Cut(entityID, ".")
	if !found {
		return "", "", fmt.Errorf("entity_id %q must have the form <domain>.<object_id>", entityID)
	}
	if err := validateSegment("entity_id domain", domain); err != nil {
		return "", "", err
	}
	if strings.TrimSpace(objectID) == "" {
		return "", "", fmt.Errorf("entity_id %q has an empty object id", entityID)
	}
	return domain, objectID, nil
}

// validateSegment rejects values that cannot be used as a URL path segment
// of /api/services/{domain}/{action}.
func validateSegment(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", name)
	}
	if strings.ContainsAny(value, "/?#% \t\r\n") {
		return fmt.Errorf("%s %q contains characters not allowed in a service name", name, value)
	}
	return nil
}

// Body returns the JSON body sent to Home Assistant: entity_id merged with params.
// Params are applied last, so they win on key collision.
func (c ServiceCall) Body() map[string]any {
	body := make(map[string]any, len(c.Params)+1)
	body["entity_id"] = c.EntityID
	for k, v := range c.Params {
		body[k] = v
	}
	return body
}

// Service returns the "domain.action" service name.
func (c ServiceCall) Service() string {
	return c.Domain + "." + c.Action
}

// SuccessMessage is the human-readable text returned for a successful call.
func (c ServiceCall) SuccessMessage() string {
	return fmt.Sprintf("Action %s executed successfully on entity %s. Action data: %s",
		c.Action, c.EntityID, FormatBody(c.Body()))
}

// FormatBody renders a body as {"key": value, ...} with sorted keys.
func FormatBody(body map[string]any) string {
	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		key, _ := marshalText(k)
		sb.Write(key)
		sb.WriteString(": ")
		if v, err := marshalText(body[k]); err == nil {
			sb.Write(v)
		} else {
			fmt.Fprintf(&sb, "%v", body[k])
		}
	}
	sb.WriteString("}")
	return sb.String()
}

// marshalText encodes v as JSON without HTML escaping.
func marshalText(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
