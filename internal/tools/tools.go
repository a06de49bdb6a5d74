// Package tools provides the built-in tool set registered with the
// orchestrator by the CLI. Every tool satisfies the orchestrator's Tool
// interface; pure transforms live here, filesystem access goes through
// the sandboxed read tools in file.go.
package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// FuncTool adapts a plain function to the orchestrator's tool contract.
type FuncTool struct {
	ToolName string
	Desc     string
	Params   map[string]string
	Fn       func(ctx context.Context, args map[string]any) (any, error)
}

func (t *FuncTool) Name() string                  { return t.ToolName }
func (t *FuncTool) Description() string           { return t.Desc }
func (t *FuncTool) Parameters() map[string]string { return t.Params }
func (t *FuncTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	return t.Fn(ctx, args)
}

// Echo returns the message argument unchanged.
func Echo() *FuncTool {
	return &FuncTool{
		ToolName: "echo",
		Desc:     "Return the message argument unchanged",
		Params:   map[string]string{"message": "text to echo"},
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			return args["message"], nil
		},
	}
}

// Concat joins the left and right arguments with a space.
func Concat() *FuncTool {
	return &FuncTool{
		ToolName: "concat",
		Desc:     "Join the left and right arguments with a space",
		Params:   map[string]string{"left": "first part", "right": "second part"},
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			return fmt.Sprintf("%v %v", args["left"], args["right"]), nil
		},
	}
}

// WordCount counts whitespace-separated words in the text argument.
func WordCount() *FuncTool {
	return &FuncTool{
		ToolName: "word_count",
		Desc:     "Count whitespace-separated words in the text argument",
		Params:   map[string]string{"text": "text to count"},
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			s, ok := args["text"].(string)
			if !ok {
				return nil, fmt.Errorf("text argument must be a string")
			}
			return len(strings.Fields(s)), nil
		},
	}
}

// Clock reports the current UTC time.
func Clock() *FuncTool {
	return &FuncTool{
		ToolName: "clock",
		Desc:     "Report the current UTC time in RFC 3339 format",
		Params:   map[string]string{},
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			return time.Now().UTC().Format(time.RFC3339), nil
		},
	}
}
