package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/aarmijo/hass-chatbot/internal/config"
	"github.com/aarmijo/hass-chatbot/internal/homeassistant"
	"github.com/aarmijo/hass-chatbot/internal/logging"
	"github.com/aarmijo/hass-chatbot/internal/mcp"
)

func runHassAction(inv ActionInvoker) func(context.Context, map[string]any) (*mcp.ToolsCallResult, error) {
	return NewActionHandlers(inv).HandleRunHassAction
}

func TestHandleRunHassAction(t *testing.T) {
	t.Parallel()

	protocolFailure := func(m *mockInvoker) {
		m.InvokeFn = func(_ context.Context, entityID, action string, _ map[string]any) (homeassistant.Result, error) {
			return homeassistant.Result{
				EntityID:   entityID,
				Action:     action,
				Kind:       homeassistant.KindProtocol,
				StatusCode: http.StatusNotFound,
				Err:        &homeassistant.APIError{StatusCode: 404, Message: "service not found: light.dance"},
			}, nil
		}
	}

	tests := []handlerTestCase{
		{
			name:         "success",
			args:         map[string]any{"entity_id": "light.kitchen", "action": "turn_on", "params": map[string]any{"brightness": float64(80)}},
			wantContains: []string{"Action turn_on executed successfully on entity light.kitchen", `"brightness": 80`},
			wantCalls:    1,
		},
		{
			name:         "params as JSON string",
			args:         map[string]any{"entity_id": "light.kitchen", "action": "turn_on", "params": `{"color_name":"red"}`},
			wantContains: []string{`"color_name": "red"`},
			wantCalls:    1,
		},
		{
			name:         "without params",
			args:         map[string]any{"entity_id": "switch.fan", "action": "toggle"},
			wantContains: []string{`Action data: {"entity_id": "switch.fan"}`},
			wantCalls:    1,
		},
		{
			name:         "missing entity_id",
			args:         map[string]any{"action": "turn_on"},
			wantError:    true,
			wantContains: []string{"entity_id is required"},
		},
		{
			name:         "entity_id wrong type",
			args:         map[string]any{"entity_id": 42, "action": "turn_on"},
			wantError:    true,
			wantContains: []string{"entity_id is required"},
		},
		{
			name:         "missing action",
			args:         map[string]any{"entity_id": "light.kitchen", "action": "  "},
			wantError:    true,
			wantContains: []string{"action is required"},
		},
		{
			name:         "params wrong type",
			args:         map[string]any{"entity_id": "light.kitchen", "action": "turn_on", "params": []any{1, 2}},
			wantError:    true,
			wantContains: []string{"params must be an object"},
		},
		{
			name:         "params invalid JSON string",
			args:         map[string]any{"entity_id": "light.kitchen", "action": "turn_on", "params": `[1,2]`},
			wantError:    true,
			wantContains: []string{"params must be a JSON object"},
		},
		{
			name:         "entity without domain",
			args:         map[string]any{"entity_id": "kitchen", "action": "turn_on"},
			wantError:    true,
			wantContains: []string{"invalid_request"},
			wantCalls:    1,
		},
		{
			name:            "protocol failure",
			args:            map[string]any{"entity_id": "light.kitchen", "action": "dance"},
			setupMock:       protocolFailure,
			wantError:       true,
			wantContains:    []string{"protocol", "status 404", "service not found"},
			wantNotContains: []string{"executed successfully"},
			wantCalls:       1,
		},
	}

	runHandlerTestCases(t, tests, runHassAction)
}

func TestHandleRunHassAction_ConfigurationError(t *testing.T) {
	t.Parallel()

	inv := &mockInvoker{
		InvokeFn: func(context.Context, string, string, map[string]any) (homeassistant.Result, error) {
			return homeassistant.Result{}, config.ErrMissingToken
		},
	}

	result, err := runHassAction(inv)(context.Background(), map[string]any{"entity_id": "light.kitchen", "action": "turn_on"})
	if result != nil {
		t.Errorf("result = %+v, want nil", result)
	}
	if !errors.Is(err, config.ErrMissingToken) {
		t.Errorf("error = %v, want ErrMissingToken", err)
	}
}

func TestHandleRunHassAction_PassesArguments(t *testing.T) {
	t.Parallel()

	var gotEntity, gotAction string
	var gotParams map[string]any
	inv := &mockInvoker{
		InvokeFn: func(_ context.Context, entityID, action string, params map[string]any) (homeassistant.Result, error) {
			gotEntity, gotAction, gotParams = entityID, action, params
			return homeassistant.Result{OK: true, Message: "ok"}, nil
		},
	}

	args := map[string]any{
		"entity_id": "climate.living_room",
		"action":    "set_temperature",
		"params":    map[string]any{"temperature": float64(21), "hvac_mode": "heat"},
	}
	if _, err := runHassAction(inv)(context.Background(), args); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	if gotEntity != "climate.living_room" || gotAction != "set_temperature" {
		t.Errorf("invoked (%q, %q)", gotEntity, gotAction)
	}
	if diff := cmp.Diff(args["params"], any(gotParams)); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleRunHassAction_AgainstHomeAssistant(t *testing.T) {
	t.Parallel()

	var gotPath string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	inv, err := homeassistant.NewActionInvoker(config.HomeAssistantConfig{
		BaseURL: server.URL,
		Token:   "token",
		Timeout: 5 * time.Second,
	}, homeassistant.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("NewActionInvoker() error = %v", err)
	}

	result, err := runHassAction(inv)(context.Background(), map[string]any{
		"entity_id": "switch.fan",
		"action":    "toggle",
	})
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if result.IsError {
		t.Fatalf("result is error: %s", result.Content[0].Text)
	}
	if gotPath != "/api/services/switch/toggle" {
		t.Errorf("path = %q, want /api/services/switch/toggle", gotPath)
	}
	if diff := cmp.Diff(map[string]any{"entity_id": "switch.fan"}, gotBody); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}
}

func TestActionHandlers_Tools(t *testing.T) {
	t.Parallel()

	tools := NewActionHandlers(&mockInvoker{}).Tools()
	if len(tools) != 1 {
		t.Fatalf("Tools() returned %d tools, want 1", len(tools))
	}

	tool := tools[0]
	if tool.Name != RunHassActionTool {
		t.Errorf("Name = %q, want %q", tool.Name, RunHassActionTool)
	}
	if diff := cmp.Diff([]string{"entity_id", "action"}, tool.InputSchema.Required); diff != "" {
		t.Errorf("Required mismatch (-want +got):\n%s", diff)
	}

	wantTypes := map[string]string{"entity_id": "string", "action": "string", "params": "object"}
	if len(tool.InputSchema.Properties) != len(wantTypes) {
		t.Errorf("Properties = %d, want %d", len(tool.InputSchema.Properties), len(wantTypes))
	}
	for name, typ := range wantTypes {
		if got := tool.InputSchema.Properties[name].Type; got != typ {
			t.Errorf("property %s type = %q, want %q", name, got, typ)
		}
	}
}

func TestParseParams(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     any
		want    map[string]any
		wantErr bool
	}{
		{name: "nil", raw: nil, want: nil},
		{name: "object", raw: map[string]any{"a": "b"}, want: map[string]any{"a": "b"}},
		{name: "empty string", raw: " ", want: nil},
		{name: "json string", raw: `{"a":1}`, want: map[string]any{"a": float64(1)}},
		{name: "json null", raw: `null`, want: nil},
		{name: "json array", raw: `[1]`, wantErr: true},
		{name: "number", raw: 3.5, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseParams(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseParams() error = %v, wantErr %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("parseParams() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
