// Package llm wraps the OpenAI chat completion API behind the two
// narrow surfaces the runtime needs: a blocking generation call for
// background analysis and a streaming call for the foreground
// conversation, cancelable between chunks.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/vox/internal/otel"
)

// Message is one chat turn sent to the model. An assistant message may
// carry tool calls; a "tool" role message answers one by ToolCallID.
type Message struct {
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// Config holds client settings.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int64
	Metrics     *otel.Metrics // optional
}

// Client is a thin adapter over the official OpenAI client.
type Client struct {
	api openai.Client
	cfg Config
}

// New creates a Client. Model defaults to gpt-4o-mini.
func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{api: openai.NewClient(opts...), cfg: cfg}
}

func (c *Client) params(messages []Message) openai.ChatCompletionNewParams {
	converted := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			converted = append(converted, openai.SystemMessage(m.Content))
		case "assistant":
			if len(m.ToolCalls) > 0 {
				calls := make([]openai.ChatCompletionMessageToolCallParam, len(m.ToolCalls))
				for i, tc := range m.ToolCalls {
					calls[i] = openai.ChatCompletionMessageToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: tc.Arguments,
						},
					}
				}
				converted = append(converted, openai.ChatCompletionMessageParamUnion{
					OfAssistant: &openai.ChatCompletionAssistantMessageParam{
						Role:      "assistant",
						ToolCalls: calls,
					},
				})
				continue
			}
			converted = append(converted, openai.AssistantMessage(m.Content))
		case "tool":
			converted = append(converted, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			converted = append(converted, openai.UserMessage(m.Content))
		}
	}
	return openai.ChatCompletionNewParams{
		Model:               c.cfg.Model,
		Messages:            converted,
		Temperature:         openai.Float(c.cfg.Temperature),
		MaxCompletionTokens: openai.Int(c.cfg.MaxTokens),
	}
}

// observe starts a client span for one API call; the returned func
// ends it and records the call duration.
func (c *Client) observe(ctx context.Context, name string) (context.Context, func()) {
	ctx, span := otel.StartClientSpan(ctx, name, otel.AttrModel.String(c.cfg.Model))
	start := time.Now()
	return ctx, func() {
		if m := c.cfg.Metrics; m != nil {
			m.LLMCallDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(otel.AttrModel.String(c.cfg.Model)))
		}
		span.End()
	}
}

func (c *Client) countToken(ctx context.Context) {
	if m := c.cfg.Metrics; m != nil {
		m.StreamTokens.Add(ctx, 1)
	}
}

// Generate runs one non-streaming completion and returns the full text.
func (c *Client) Generate(ctx context.Context, messages []Message) (string, error) {
	ctx, done := c.observe(ctx, "llm.generate")
	defer done()
	resp, err := c.api.Chat.Completions.New(ctx, c.params(messages))
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream runs a streaming completion, invoking onToken for each text
// chunk. Cancellation is cooperative: the context is checked between
// chunks, so tokens already delivered are never retracted. The full
// accumulated text is returned alongside any error.
func (c *Client) Stream(ctx context.Context, messages []Message, onToken func(token string) error) (string, error) {
	ctx, done := c.observe(ctx, "llm.stream")
	defer done()
	stream := c.api.Chat.Completions.NewStreaming(ctx, c.params(messages))
	defer stream.Close()

	var full []byte
	for stream.Next() {
		if err := ctx.Err(); err != nil {
			return string(full), err
		}
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			full = append(full, choice.Delta.Content...)
			c.countToken(ctx)
			if onToken != nil {
				if err := onToken(choice.Delta.Content); err != nil {
					return string(full), err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return string(full), fmt.Errorf("chat completion stream: %w", err)
	}
	return string(full), nil
}
