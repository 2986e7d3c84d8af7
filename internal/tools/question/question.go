// Package question provides the ask_question tool: a structured clarifying
// question the client renders as an interactive form. The tool has no
// external effect; its payload is the question itself.
package question

import (
	"context"

	"github.com/defisage/defisage/internal/tool"
)

// Response is the payload of an ask_question call.
type Response struct {
	Question      string   `json:"question"`
	Options       []string `json:"options,omitempty"`
	AllowFreeForm bool     `json:"allowFreeForm"`
}

// NewTool builds the ask_question tool.
func NewTool() *tool.Tool {
	return &tool.Tool{
		Name:        "ask_question",
		Description: "Ask the user a clarifying question when their request is ambiguous. Provide options when a small set of answers covers the likely intents.",
		UIRendered:  true,
		Schema: tool.NewSchema(
			tool.Param{Name: "question", Type: tool.TypeString, Description: "The clarifying question to ask", Required: true},
			tool.Param{Name: "options", Type: tool.TypeStringArray, Description: "Suggested answer options"},
			tool.Param{Name: "allow_free_form", Type: tool.TypeBoolean, Description: "Whether the user may answer in their own words", Default: true},
		),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			options, _ := args["options"].([]string)
			return &Response{
				Question:      args["question"].(string),
				Options:       options,
				AllowFreeForm: args["allow_free_form"].(bool),
			}, nil
		},
	}
}
