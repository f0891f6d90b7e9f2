// Package openai adapts the OpenAI SDK to the llm.Provider and llm.Embedder
// contracts, grounded on the teacher's internal/llm/openai/client.go
// (trimmed to chat completions and embeddings; this service has no
// tool-calling or image-generation surface).
package openai

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/intelligencedev/memoryd/internal/llm"
	"github.com/intelligencedev/memoryd/internal/observability"
)

// Client is an llm.Provider and llm.Embedder backed by the OpenAI API.
type Client struct {
	sdk   sdk.Client
	model string
}

// New constructs a Client. apiKey must be non-empty.
func New(apiKey, model string) *Client {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(apiKey))}
	if model == "" {
		model = "gpt-4.1-mini"
	}
	return &Client{sdk: sdk.NewClient(opts...), model: model}
}

func adaptMessages(msgs []llm.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		content := m.Content
		switch m.Role {
		case "system":
			if content == "" {
				content = "You are a helpful assistant."
			}
			out = append(out, sdk.SystemMessage(content))
		case "assistant":
			if content == "" {
				content = " "
			}
			out = append(out, sdk.AssistantMessage(content))
		default:
			if content == "" {
				content = " "
			}
			out = append(out, sdk.UserMessage(content))
		}
	}
	return out
}

// Chat implements llm.Provider.
func (c *Client) Chat(ctx context.Context, msgs []llm.Message, model string) (llm.Message, error) {
	if model == "" {
		model = c.model
	}
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(model),
		Messages: adaptMessages(msgs),
	}
	log := observability.LoggerWithTrace(ctx)
	start := time.Now()
	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", model).Dur("duration", dur).Msg("openai chat failed")
		return llm.Message{}, err
	}
	if len(comp.Choices) == 0 {
		return llm.Message{Role: "assistant", Model: model, Provider: "openai"}, nil
	}
	return llm.Message{
		Role:     "assistant",
		Content:  comp.Choices[0].Message.Content,
		Model:    model,
		Provider: "openai",
		Usage: llm.Usage{
			PromptTokens:     int(comp.Usage.PromptTokens),
			CompletionTokens: int(comp.Usage.CompletionTokens),
			TotalTokens:      int(comp.Usage.TotalTokens),
		},
	}, nil
}

// ChatJSON implements llm.StructuredProvider using OpenAI's JSON-object
// response format, with the target schema appended to the system prompt
// since the Chat Completions API constrains shape, not a specific schema.
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
		Content: "Respond with a single JSON object matching this schema exactly, no prose: " + string(schemaJSON),
	})
	augmented = append(augmented, msgs...)

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(model),
		Messages: adaptMessages(augmented),
		ResponseFormat: sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &sdk.ResponseFormatJSONObjectParam{},
		},
	}
	log := observability.LoggerWithTrace(ctx)
	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		log.Error().Err(err).Str("model", model).Msg("openai chat json failed")
		return "", err
	}
	if len(comp.Choices) == 0 {
		return "{}", nil
	}
	return comp.Choices[0].Message.Content, nil
}

// Embed implements llm.Embedder.
func (c *Client) Embed(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if model == "" {
		model = "text-embedding-3-small"
	}
	params := sdk.EmbeddingNewParams{
		Model: sdk.EmbeddingModel(model),
		Input: sdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	}
	resp, err := c.sdk.Embeddings.New(ctx, params)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		out[i] = vec
	}
	return out, nil
}
