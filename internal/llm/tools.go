package llm

import (
	"context"
	"fmt"
	"slices"

	"github.com/openai/openai-go"
)

// ToolDef describes a callable tool to the model.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a model-requested tool invocation. Arguments is the raw
// JSON argument string.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

func toolParams(defs []ToolDef) []openai.ChatCompletionToolParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolParam, len(defs))
	for i, d := range defs {
		out[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        d.Name,
				Description: openai.String(d.Description),
				Parameters:  openai.FunctionParameters(d.Parameters),
			},
		}
	}
	return out
}

type aggCall struct{ id, name, args string }

// StreamTools runs a streaming completion with tools offered. Text
// chunks go to onToken as they arrive; tool call deltas are aggregated
// and returned once the stream ends. The context is checked between
// chunks, so cancellation never retracts already-delivered tokens.
func (c *Client) StreamTools(ctx context.Context, messages []Message, defs []ToolDef, onToken func(token string) error) (string, []ToolCall, error) {
	ctx, done := c.observe(ctx, "llm.stream_tools")
	defer done()
	params := c.params(messages)
	params.Tools = toolParams(defs)

	stream := c.api.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var full []byte
	agg := map[int64]*aggCall{}
	for stream.Next() {
		if err := ctx.Err(); err != nil {
			return string(full), nil, err
		}
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				full = append(full, choice.Delta.Content...)
				c.countToken(ctx)
				if onToken != nil {
					if err := onToken(choice.Delta.Content); err != nil {
						return string(full), nil, err
					}
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				ac, ok := agg[tc.Index]
				if !ok {
					ac = &aggCall{}
					agg[tc.Index] = ac
				}
				if tc.ID != "" {
					ac.id = tc.ID
				}
				if tc.Function.Name != "" {
					ac.name = tc.Function.Name
				}
				ac.args += tc.Function.Arguments
			}
		}
	}
	if err := stream.Err(); err != nil {
		return string(full), nil, fmt.Errorf("chat completion stream: %w", err)
	}

	return string(full), assembleCalls(agg), nil
}

// assembleCalls orders the aggregated deltas by stream index. Indices
// need not be contiguous.
func assembleCalls(agg map[int64]*aggCall) []ToolCall {
	indices := make([]int64, 0, len(agg))
	for i := range agg {
		indices = append(indices, i)
	}
	slices.Sort(indices)
	calls := make([]ToolCall, 0, len(agg))
	for _, i := range indices {
		ac := agg[i]
		calls = append(calls, ToolCall{ID: ac.id, Name: ac.name, Arguments: ac.args})
	}
	return calls
}
