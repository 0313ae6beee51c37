// Package handlers provides MCP tool handlers for Home Assistant operations.
package handlers

import "github.com/aarmijo/hass-chatbot/internal/mcp"

// RegisterActionTools registers the run_hass_action tool with the registry.
func RegisterActionTools(registry *mcp.Registry, invoker ActionInvoker) {
	h := NewActionHandlers(invoker)
	h.RegisterTools(registry)
}

// RegisterAllTools registers all available tool handlers with the registry.
func RegisterAllTools(registry *mcp.Registry, invoker ActionInvoker) {
	RegisterActionTools(registry, invoker)
}
