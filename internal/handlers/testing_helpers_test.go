package handlers

import (
	"context"
	"strings"
	"testing"

	"github.com/aarmijo/hass-chatbot/internal/homeassistant"
	"github.com/aarmijo/hass-chatbot/internal/mcp"
)

// mockInvoker implements ActionInvoker with a configurable hook.
// With no hook it reports success for any call.
type mockInvoker struct {
	InvokeFn func(ctx context.Context, entityID, action string, params map[string]any) (homeassistant.Result, error)

	calls int
}

func (m *mockInvoker) Invoke(ctx context.Context, entityID, action string, params map[string]any) (homeassistant.Result, error) {
	m.calls++
	if m.InvokeFn != nil {
		return m.InvokeFn(ctx, entityID, action, params)
	}
	call, err := homeassistant.NewServiceCall(entityID, action, params)
	if err != nil {
		return homeassistant.Result{EntityID: entityID, Action: action, Kind: homeassistant.KindOf(err), Err: err}, nil
	}
	return homeassistant.Result{
		EntityID: entityID,
		Action:   action,
		OK:       true,
		Message:  call.SuccessMessage(),
		Body:     call.Body(),
	}, nil
}

type handlerTestCase struct {
	name            string
	args            map[string]any
	setupMock       func(*mockInvoker)
	wantError       bool
	wantContains    []string
	wantNotContains []string
	wantCalls       int
}

// runHandlerTestCases executes a set of test cases for a handler built on the mock.
func runHandlerTestCases(
	t *testing.T,
	tests []handlerTestCase,
	newHandler func(ActionInvoker) func(context.Context, map[string]any) (*mcp.ToolsCallResult, error),
) {
	t.Helper()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			invoker := &mockInvoker{}
			if tt.setupMock != nil {
				tt.setupMock(invoker)
			}

			result, err := newHandler(invoker)(context.Background(), tt.args)
			if err != nil {
				t.Fatalf("handler returned unexpected error: %v", err)
			}
			if result == nil {
				t.Fatal("handler returned nil result")
			}
			if result.IsError != tt.wantError {
				t.Errorf("IsError = %v, want %v", result.IsError, tt.wantError)
			}
			if len(result.Content) == 0 {
				t.Fatal("handler returned empty content")
			}
			if invoker.calls != tt.wantCalls {
				t.Errorf("invoker calls = %d, want %d", invoker.calls, tt.wantCalls)
			}

			content := result.Content[0].Text
			assertContainsAll(t, content, tt.wantContains)
			assertNotContainsAny(t, content, tt.wantNotContains)
		})
	}
}

// assertContainsAll checks that content contains every string in want.
func assertContainsAll(t *testing.T, content string, want []string) {
	t.Helper()
	for _, w := range want {
		if !strings.Contains(content, w) {
			t.Errorf("content does not contain %q\ncontent: %s", w, content)
		}
	}
}

// assertNotContainsAny checks that content contains none of the strings in notWant.
func assertNotContainsAny(t *testing.T, content string, notWant []string) {
	t.Helper()
	for _, nw := range notWant {
		if strings.Contains(content, nw) {
			t.Errorf("content should not contain %q\ncontent: %s", nw, content)
		}
	}
}
