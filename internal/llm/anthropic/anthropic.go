// Package anthropic adapts the Anthropic SDK to the llm.Provider contract,
// grounded on the teacher's internal/llm/anthropic/client.go (trimmed to
// single-turn chat completion; this service has no tool-calling surface).
package anthropic

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/intelligencedev/memoryd/internal/llm"
	"github.com/intelligencedev/memoryd/internal/observability"
)

const defaultMaxTokens int64 = 1024

// Client is an llm.Provider backed by the Anthropic Messages API.
type Client struct {
	sdk   anthropic.Client
	model string
}

// New constructs a Client. apiKey must be non-empty; model falls back to a
// current Claude Sonnet release when unset.
func New(apiKey, model string) *Client {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(apiKey))}
	if model == "" {
		model = string(anthropic.ModelClaude3_7SonnetLatest)
	}
	return &Client{sdk: anthropic.NewClient(opts...), model: model}
}

func buildParams(model string, msgs []llm.Message) anthropic.MessageNewParams {
	var system []anthropic.TextBlockParam
	converted := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case "assistant":
			converted = append(converted, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			converted = append(converted, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  converted,
		System:    system,
		MaxTokens: defaultMaxTokens,
	}
}

func textOf(resp *anthropic.Message) string {
	var text strings.Builder
	for _, block := range resp.Content {
		if v, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(v.Text)
		}
	}
	return text.String()
}

// Chat implements llm.Provider.
func (c *Client) Chat(ctx context.Context, msgs []llm.Message, model string) (llm.Message, error) {
	if model == "" {
		model = c.model
	}
	params := buildParams(model, msgs)

	log := observability.LoggerWithTrace(ctx)
	start := time.Now()
	resp, err := c.sdk.Messages.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", model).Dur("duration", dur).Msg("anthropic chat failed")
		return llm.Message{}, err
	}
	return llm.Message{
		Role:    "assistant",
		Content: textOf(resp),
		Model:   model,
		Provider: "anthropic",
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}

// ChatJSON implements llm.StructuredProvider. Anthropic's Messages API has
// no dedicated JSON-object response mode, so the schema is appended to the
// system prompt and any markdown code fence the model wraps the object in
// is stripped before returning.
func (c *Client) ChatJSON(ctx context.Context, msgs []llm.Message, model string, schema map[string]any) (string, error) {
	if model == "" {
		model = c.model
	}
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return "", err
	}
	augmented := make([]llm.Message, 0, len(msgs)+1)
	augmented = append(augmented, llm.Message{
		Role:    "system",
		Content: "Respond with a single JSON object matching this schema exactly, no prose, no markdown fence: " + string(schemaJSON),
	})
	augmented = append(augmented, msgs...)
	params := buildParams(model, augmented)

	log := observability.LoggerWithTrace(ctx)
	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		log.Error().Err(err).Str("model", model).Msg("anthropic chat json failed")
		return "", err
	}
	return stripFence(textOf(resp)), nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
