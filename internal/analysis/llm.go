package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/vox/internal/llm"
)

// Generator is the slice of the LLM client an analyzer needs.
type Generator interface {
	Generate(ctx context.Context, messages []llm.Message) (string, error)
}

const outputContract = `Respond with a single JSON object of the form
{"scalars": {...}, "sets": {"name": ["value", ...]}, "confidence": 0.0-1.0}.
Scalars replace previous values; set entries are added to previous ones.
Return {} when the transcript adds nothing new.`

// LLMAnalyzer implements Analyzer over a chat model. The instructions
// describe what to extract; the output contract is appended so the
// response parses into a Delta.
type LLMAnalyzer struct {
	gen          Generator
	kind         string
	instructions string
}

// NewLLMAnalyzer creates an analyzer for one kind ("topics",
// "sentiment", "summary", ...).
func NewLLMAnalyzer(gen Generator, kind, instructions string) *LLMAnalyzer {
	return &LLMAnalyzer{gen: gen, kind: kind, instructions: instructions}
}

// Analyze renders the prior state and transcript into a prompt and
// parses the model's JSON reply.
func (a *LLMAnalyzer) Analyze(ctx context.Context, transcript string, prior State) (Delta, error) {
	priorJSON, err := json.Marshal(prior)
	if err != nil {
		return Delta{}, fmt.Errorf("marshal prior state: %w", err)
	}

	messages := []llm.Message{
		{Role: "system", Content: a.instructions + "\n\n" + outputContract},
		{Role: "user", Content: fmt.Sprintf("Prior analysis state:\n%s\n\nConversation transcript:\n%s", priorJSON, transcript)},
	}
	reply, err := a.gen.Generate(ctx, messages)
	if err != nil {
		return Delta{}, fmt.Errorf("analyze %s: %w", a.kind, err)
	}
	return parseDelta(reply)
}

// parseDelta tolerates markdown code fences around the JSON body.
func parseDelta(reply string) (Delta, error) {
	body := strings.TrimSpace(reply)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		if i := strings.LastIndex(body, "```"); i >= 0 {
			body = body[:i]
		}
		body = strings.TrimSpace(body)
	}
	var delta Delta
	if err := json.Unmarshal([]byte(body), &delta); err != nil {
		return Delta{}, fmt.Errorf("parse analysis reply: %w", err)
	}
	return delta, nil
}

// Built-in analyzer instructions, one per subconscious kind.
const (
	TopicsInstructions = `You track the topics of a phone conversation.
Extract topic keywords into the "topics" set and the caller's current
goal into the "goal" scalar.`

	SentimentInstructions = `You rate the caller's sentiment in a phone
conversation. Put a "rating" scalar between 1 (very negative) and 5
(very positive), a short "mood" scalar, and any emotionally charged
phrases into the "signals" set.`

	SummaryInstructions = `You maintain a rolling summary of a phone
conversation. Put an updated one-paragraph "summary" scalar and any
open action items into the "action_items" set.`
)
