// Package mcp implements the Model Context Protocol (MCP) server.
package mcp

import (
	"context"
	"sort"
	"sync"

	"github.com/aarmijo/hass-chatbot/internal/logging"
)

// ToolHandler is a function that handles a tool call.
type ToolHandler func(ctx context.Context, args map[string]any) (*ToolsCallResult, error)

// toolEntry holds a tool definition and its handler.
type toolEntry struct {
	tool    Tool
	handler ToolHandler
}

// Registry manages MCP tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]toolEntry
}

// NewRegistry creates a new tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]toolEntry),
	}
}

// RegisterTool registers a tool with its handler.
// Registering the same name again replaces the earlier entry.
func (r *Registry) RegisterTool(tool Tool, handler ToolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = toolEntry{
		tool:    tool,
		handler: handler,
	}
}

// ListTools returns all registered tools sorted by name.
func (r *Registry) ListTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, entry := range r.tools {
		tools = append(tools, entry.tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// GetHandler returns the handler for a tool by name.
func (r *Registry) GetHandler(name string) (ToolHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.tools[name]
	if !exists {
		return nil, false
	}
	return entry.handler, true
}

// GetTool returns a tool by name.
func (r *Registry) GetTool(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.tools[name]
	if !exists {
		return Tool{}, false
	}
	return entry.tool, true
}

// ToolCount returns the number of registered tools.
func (r *Registry) ToolCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// maxDescriptionLen is the maximum length for tool descriptions in log output.
const maxDescriptionLen = 80

// LogRegisteredTools logs all registered tools at Debug level.
func (r *Registry) LogRegisteredTools(logger *logging.Logger) {
	if logger == nil || !logger.IsDebugEnabled() {
		return
	}

	logger.Debug("Registered MCP tools:")
	for _, tool := range r.ListTools() {
		logger.Debug("  - "+tool.Name, "description", truncateDescription(tool.Description, maxDescriptionLen))
	}
}

// truncateDescription truncates a description to maxLen characters.
func truncateDescription(desc string, maxLen int) string {
	if len(desc) <= maxLen {
		return desc
	}
	return desc[:maxLen-3] + "..."
}
