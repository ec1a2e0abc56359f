package server

import (
	"switchboard/internal/gateway"
)

// ToolCallRequest is the body of POST /tools/{opName}.
type ToolCallRequest struct {
	Arguments map[string]any `json:"arguments,omitempty" required:"false" doc:"Operation arguments; see GET /tools for each operation's shape"`
}

// ToolCallResponse is the success envelope.
type ToolCallResponse struct {
	Success bool `json:"success"`
	Result  any  `json:"result"`
}

type ParamResponse struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required"`
	Enum        []string `json:"enum,omitempty"`
	MaxLength   int      `json:"max_length,omitempty"`
	MaxItems    int      `json:"max_items,omitempty"`
}

type ToolResponse struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Params      []ParamResponse `json:"params"`
}

type ToolListResponse struct {
	Tools []ToolResponse `json:"tools"`
}

func toolResponse(op gateway.Operation) ToolResponse {
	res := ToolResponse{Name: op.Name, Description: op.Description, Params: []ParamResponse{}}
	for _, p := range op.Params {
		res.Params = append(res.Params, ParamResponse{
			Name:        p.Name,
			Type:        string(p.Type),
			Description: p.Description,
			Required:    p.Required,
			Enum:        p.Enum,
			MaxLength:   p.MaxLength,
			MaxItems:    p.MaxItems,
		})
	}
	return res
}

func mapTools(ops []gateway.Operation) []ToolResponse {
	res := make([]ToolResponse, 0, len(ops))
	for _, op := range ops {
		res = append(res, toolResponse(op))
	}
	return res
}
