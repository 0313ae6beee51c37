package mcp

import (
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// emptyObjectSchema is used for tools that declare no input schema.
var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// ToOpenAITools converts tool definitions to OpenAI function-calling tools.
func ToOpenAITools(tools []Tool) ([]openai.Tool, error) {
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		params := emptyObjectSchema
		if tool.InputSchema.Type != "" {
			data, err := json.Marshal(tool.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("marshaling input schema for %s: %w", tool.Name, err)
			}
			params = data
		}

		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return out, nil
}
