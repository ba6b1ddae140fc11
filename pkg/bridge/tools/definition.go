// Package tools implements the tool execution side of agent function calling:
// tool definitions advertised to the agent, and a registry that validates
// inputs and dispatches them to handlers.
package tools

import "encoding/json"

// Definition describes one tool advertised to the voice agent. Parameters is
// a JSON Schema object for the tool's input.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}
