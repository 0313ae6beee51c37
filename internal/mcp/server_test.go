//nolint:errcheck // Test file - defer body.Close() is acceptable
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aarmijo/hass-chatbot/internal/logging"
)

func quietLogger() *logging.Logger {
	return logging.NewWithWriter(logging.LevelError, io.Discard)
}

// doRPC posts a JSON-RPC request to s and decodes the response.
// It returns nil when the server wrote no body.
func doRPC(t *testing.T, s *Server, method string, id json.RawMessage, params any) *Response {
	t.Helper()

	req := Request{JSONRPC: JSONRPCVersion, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		req.Params = raw
	}
	body, _ := json.Marshal(req)

	w := httptest.NewRecorder()
	s.handleMCP(w, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body)))

	resp := w.Result()
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if len(data) == 0 {
		return nil
	}
	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode response %q: %v", data, err)
	}
	return &out
}

func TestNewServer(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	s := NewServer(registry, 9090, nil)

	if s.registry != registry {
		t.Error("registry not set correctly")
	}
	if s.port != 9090 {
		t.Errorf("port = %d, want 9090", s.port)
	}
	if s.logger == nil {
		t.Error("logger is nil (should have default)")
	}
	if s.metricsHandler != nil {
		t.Error("metricsHandler set without WithMetricsHandler")
	}
}

func TestServer_HandleHealth(t *testing.T) {
	t.Parallel()

	s := NewServer(NewRegistry(), 8080, quietLogger())

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"status":"ok"}` {
		t.Errorf("body = %q, want %q", string(body), `{"status":"ok"}`)
	}
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("hass_action_calls_total 0\n"))
	})

	t.Run("enabled", func(t *testing.T) {
		t.Parallel()

		s := NewServer(NewRegistry(), 8080, quietLogger(), WithMetricsHandler(metrics))
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if !strings.Contains(w.Body.String(), "hass_action_calls_total") {
			t.Errorf("body = %q", w.Body.String())
		}
	})

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()

		s := NewServer(NewRegistry(), 8080, quietLogger())
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		// Falls through to the JSON-RPC endpoint, which rejects GET.
		if strings.Contains(w.Body.String(), "hass_action_calls_total") {
			t.Error("metrics served while disabled")
		}
		var resp Response
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Error == nil || resp.Error.Code != InvalidRequest {
			t.Errorf("response = %s, want InvalidRequest error", w.Body.String())
		}
	})
}

func TestServer_HandleMCP_InvalidMethod(t *testing.T) {
	t.Parallel()

	s := NewServer(NewRegistry(), 8080, quietLogger())

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			t.Parallel()

			w := httptest.NewRecorder()
			s.handleMCP(w, httptest.NewRequest(method, "/", nil))

			var resp Response
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Error == nil || resp.Error.Code != InvalidRequest {
				t.Errorf("Error = %+v, want code %d", resp.Error, InvalidRequest)
			}
		})
	}
}

func TestServer_HandleMCP_BadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		wantCode ErrorCode
	}{
		{name: "invalid json", body: `{invalid`, wantCode: ParseError},
		{name: "wrong jsonrpc version", body: `{"jsonrpc":"1.0","id":1,"method":"ping"}`, wantCode: InvalidRequest},
		{name: "unknown method", body: `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, wantCode: MethodNotFound},
		{name: "initialize with bad params", body: `{"jsonrpc":"2.0","id":1,"method":"initialize","params":"x"}`, wantCode: InvalidParams},
		{name: "tools/call without params", body: `{"jsonrpc":"2.0","id":1,"method":"tools/call"}`, wantCode: InvalidParams},
		{name: "tools/call with bad params", body: `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":"x"}`, wantCode: InvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := NewServer(NewRegistry(), 8080, quietLogger())
			w := httptest.NewRecorder()
			s.handleMCP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body)))

			var resp Response
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Error == nil {
				t.Fatal("expected error response")
			}
			if resp.Error.Code != tt.wantCode {
				t.Errorf("Error.Code = %d, want %d", resp.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestServer_HandleInitialize(t *testing.T) {
	t.Parallel()

	s := NewServer(NewRegistry(), 8080, quietLogger())
	resp := doRPC(t, s, MethodInitialize, json.RawMessage(`1`), InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      Implementation{Name: "agent", Version: "0.1"},
	})

	if resp == nil || resp.Error != nil {
		t.Fatalf("response = %+v, want success", resp)
	}

	raw, _ := json.Marshal(resp.Result)
	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.ServerInfo.Name != ServerName {
		t.Errorf("ServerInfo.Name = %q, want %q", result.ServerInfo.Name, ServerName)
	}
	if result.ProtocolVersion != ProtocolVersion {
		t.Errorf("ProtocolVersion = %q, want %q", result.ProtocolVersion, ProtocolVersion)
	}
	if result.Capabilities.Tools == nil {
		t.Error("Capabilities.Tools is nil")
	}
	if !strings.Contains(result.Instructions, "run_hass_action") {
		t.Errorf("Instructions = %q", result.Instructions)
	}
}

func TestServer_HandleInitialized(t *testing.T) {
	t.Parallel()

	t.Run("notification gets no response", func(t *testing.T) {
		t.Parallel()

		s := NewServer(NewRegistry(), 8080, quietLogger())
		if s.IsInitialized() {
			t.Fatal("IsInitialized() = true before notification")
		}
		if resp := doRPC(t, s, MethodInitialized, nil, nil); resp != nil {
			t.Errorf("response = %+v, want none", resp)
		}
		if !s.IsInitialized() {
			t.Error("IsInitialized() = false after notification")
		}
	})

	t.Run("request with id gets empty result", func(t *testing.T) {
		t.Parallel()

		s := NewServer(NewRegistry(), 8080, quietLogger())
		resp := doRPC(t, s, MethodInitialized, json.RawMessage(`7`), nil)
		if resp == nil || resp.Error != nil || string(resp.ID) != "7" {
			t.Errorf("response = %+v, want success for id 7", resp)
		}
	})
}

func TestServer_HandlePing(t *testing.T) {
	t.Parallel()

	s := NewServer(NewRegistry(), 8080, quietLogger())
	resp := doRPC(t, s, MethodPing, json.RawMessage(`"p"`), nil)

	if resp == nil || resp.Error != nil {
		t.Fatalf("response = %+v, want success", resp)
	}
	if string(resp.ID) != `"p"` {
		t.Errorf("ID = %s, want \"p\"", resp.ID)
	}
}

func TestServer_HandleToolsList(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.RegisterTool(Tool{Name: "run_hass_action", InputSchema: JSONSchema{Type: "object"}}, nil)
	s := NewServer(registry, 8080, quietLogger())

	resp := doRPC(t, s, MethodToolsList, json.RawMessage(`1`), nil)
	if resp == nil || resp.Error != nil {
		t.Fatalf("response = %+v, want success", resp)
	}

	raw, _ := json.Marshal(resp.Result)
	var result ToolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Tools) != 1 || result.Tools[0].Name != "run_hass_action" {
		t.Errorf("Tools = %+v, want [run_hass_action]", result.Tools)
	}
}

func TestServer_HandleToolsCall(t *testing.T) {
	t.Parallel()

	t.Run("successful tool call", func(t *testing.T) {
		t.Parallel()

		var gotArgs map[string]any
		registry := NewRegistry()
		registry.RegisterTool(Tool{Name: "test_tool"}, func(_ context.Context, args map[string]any) (*ToolsCallResult, error) {
			gotArgs = args
			return &ToolsCallResult{Content: []ContentBlock{NewTextContent("success")}}, nil
		})
		s := NewServer(registry, 8080, quietLogger())

		resp := doRPC(t, s, MethodToolsCall, json.RawMessage(`1`), ToolsCallParams{
			Name:      "test_tool",
			Arguments: map[string]any{"key": "value"},
		})
		if resp == nil || resp.Error != nil {
			t.Fatalf("response = %+v, want success", resp)
		}
		if gotArgs["key"] != "value" {
			t.Errorf("handler args = %v", gotArgs)
		}

		raw, _ := json.Marshal(resp.Result)
		var result ToolsCallResult
		if err := json.Unmarshal(raw, &result); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if result.IsError || result.Content[0].Text != "success" {
			t.Errorf("result = %+v", result)
		}
	})

	t.Run("tool error result stays a success response", func(t *testing.T) {
		t.Parallel()

		registry := NewRegistry()
		registry.RegisterTool(Tool{Name: "soft_fail"}, func(_ context.Context, _ map[string]any) (*ToolsCallResult, error) {
			return NewToolErrorResult("protocol error"), nil
		})
		s := NewServer(registry, 8080, quietLogger())

		resp := doRPC(t, s, MethodToolsCall, json.RawMessage(`1`), ToolsCallParams{Name: "soft_fail"})
		if resp == nil || resp.Error != nil {
			t.Fatalf("response = %+v, want success", resp)
		}
		raw, _ := json.Marshal(resp.Result)
		if !strings.Contains(string(raw), `"isError":true`) {
			t.Errorf("result = %s, want isError", raw)
		}
	})

	t.Run("tool not found", func(t *testing.T) {
		t.Parallel()

		s := NewServer(NewRegistry(), 8080, quietLogger())
		resp := doRPC(t, s, MethodToolsCall, json.RawMessage(`1`), ToolsCallParams{Name: "nonexistent"})

		if resp == nil || resp.Error == nil {
			t.Fatal("expected error response")
		}
		if resp.Error.Code != ToolNotFound {
			t.Errorf("Error.Code = %d, want %d", resp.Error.Code, ToolNotFound)
		}
	})

	t.Run("tool execution error", func(t *testing.T) {
		t.Parallel()

		registry := NewRegistry()
		registry.RegisterTool(Tool{Name: "failing_tool"}, func(_ context.Context, _ map[string]any) (*ToolsCallResult, error) {
			return nil, errors.New("execution failed")
		})
		s := NewServer(registry, 8080, quietLogger())

		resp := doRPC(t, s, MethodToolsCall, json.RawMessage(`1`), ToolsCallParams{Name: "failing_tool"})
		if resp == nil || resp.Error == nil {
			t.Fatal("expected error response")
		}
		if resp.Error.Code != ToolExecutionErr {
			t.Errorf("Error.Code = %d, want %d", resp.Error.Code, ToolExecutionErr)
		}
		if !strings.Contains(resp.Error.Message, "execution failed") {
			t.Errorf("Error.Message = %q", resp.Error.Message)
		}
	})
}

func TestServer_Shutdown(t *testing.T) {
	t.Parallel()

	s := NewServer(NewRegistry(), 8080, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() before Start = %v, want nil", err)
	}
}

func TestFormatID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id   json.RawMessage
		want string
	}{
		{id: nil, want: "<notification>"},
		{id: json.RawMessage(`1`), want: "1"},
		{id: json.RawMessage(`"abc"`), want: `"abc"`},
	}
	for _, tt := range tests {
		if got := formatID(tt.id); got != tt.want {
			t.Errorf("formatID(%s) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestSummarizeArguments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{name: "nil", args: nil, want: "(no arguments)"},
		{name: "empty", args: map[string]any{}, want: "(no arguments)"},
		{name: "few keys sorted", args: map[string]any{"entity_id": 1, "action": 2}, want: "keys=[action entity_id]"},
		{
			name: "many keys",
			args: map[string]any{"a": 1, "b": 2, "c": 3, "d": 4},
			want: "keys=[a b c]... (4 total)",
		},
	}
	for _, tt := range tests {
		if got := summarizeArguments(tt.args); got != tt.want {
			t.Errorf("%s: summarizeArguments() = %q, want %q", tt.name, got, tt.want)
		}
	}
}
