// Package handlers provides MCP tool handlers for Home Assistant operations.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aarmijo/hass-chatbot/internal/homeassistant"
	"github.com/aarmijo/hass-chatbot/internal/mcp"
)

// RunHassActionTool is the name of the action tool.
const RunHassActionTool = "run_hass_action"

// ActionInvoker runs one service call. *homeassistant.ActionInvoker implements it.
type ActionInvoker interface {
	Invoke(ctx context.Context, entityID, action string, params map[string]any) (homeassistant.Result, error)
}

// ActionHandlers provides the handler for the run_hass_action tool.
type ActionHandlers struct {
	invoker ActionInvoker
}

// NewActionHandlers creates a new ActionHandlers instance.
func NewActionHandlers(invoker ActionInvoker) *ActionHandlers {
	return &ActionHandlers{invoker: invoker}
}

// Tools returns the action tool definitions.
func (h *ActionHandlers) Tools() []mcp.Tool {
	return []mcp.Tool{h.runHassActionTool()}
}

// RegisterTools registers the action tool with the registry.
func (h *ActionHandlers) RegisterTools(registry *mcp.Registry) {
	registry.RegisterTool(h.runHassActionTool(), h.HandleRunHassAction)
}

func (h *ActionHandlers) runHassActionTool() mcp.Tool {
	return mcp.Tool{
		Name: RunHassActionTool,
		Description: "Run an action (service) in Home Assistant on a single entity, for example " +
			"turn_on on light.kitchen. Returns a confirmation with the data sent, or an error describing why the call failed.",
		InputSchema: mcp.JSONSchema{
			Type: "object",
			Properties: map[string]mcp.JSONSchema{
				"entity_id": {
					Type:        "string",
					Description: "ID of the entity to act on, in the form <domain>.<object_id> (e.g. light.kitchen)",
				},
				"action": {
					Type:        "string",
					Description: "Name of the action to run within the entity's domain (e.g. turn_on, toggle)",
				},
				"params": {
					Type:                 "object",
					Description:          "Additional action data merged into the request (e.g. {\"brightness\": 80}). Keys override entity_id.",
					AdditionalProperties: true,
				},
			},
			Required: []string{"entity_id", "action"},
		},
	}
}

// HandleRunHassAction handles the run_hass_action tool call.
func (h *ActionHandlers) HandleRunHassAction(ctx context.Context, args map[string]any) (*mcp.ToolsCallResult, error) {
	entityID, ok := args["entity_id"].(string)
	if !ok || strings.TrimSpace(entityID) == "" {
		return mcp.NewToolErrorResult("entity_id is required"), nil
	}
	action, ok := args["action"].(string)
	if !ok || strings.TrimSpace(action) == "" {
		return mcp.NewToolErrorResult("action is required"), nil
	}
	params, err := parseParams(args["params"])
	if err != nil {
		return mcp.NewToolErrorResult(err.Error()), nil
	}

	res, err := h.invoker.Invoke(ctx, entityID, action, params)
	if err != nil {
		return nil, fmt.Errorf("home assistant is not configured: %w", err)
	}
	if !res.OK {
		return mcp.NewToolErrorResult(res.String()), nil
	}

	return &mcp.ToolsCallResult{
		Content: []mcp.ContentBlock{mcp.NewTextContent(res.Message)},
	}, nil
}

// parseParams accepts the params argument as an object, a JSON object
// encoded as a string, or nothing.
func parseParams(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil //nolint:nilnil // no params
	case map[string]any:
		return v, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil //nolint:nilnil // no params
		}
		var params map[string]any
		if err := json.Unmarshal([]byte(v), &params); err != nil {
			return nil, fmt.Errorf("params must be a JSON object: %w", err)
		}
		return params, nil
	default:
		return nil, fmt.Errorf("params must be an object, got %T", raw)
	}
}
