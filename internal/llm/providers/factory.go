// Package providers builds the ordered-fallback llm.Provider chain,
// grounded on the teacher's internal/llm/providers/factory.go Build
// switch, generalized from a single active provider to an ordered chain
// with a per-provider circuit breaker (spec.md's DOMAIN STACK expansion:
// the original only ever selected one backend).
package providers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/intelligencedev/memoryd/internal/config"
	"github.com/intelligencedev/memoryd/internal/llm"
	"github.com/intelligencedev/memoryd/internal/llm/anthropic"
	"github.com/intelligencedev/memoryd/internal/llm/openai"
	"github.com/intelligencedev/memoryd/internal/observability"
)

// breakerOpenFor is how long a provider is skipped after a failure before
// it is retried.
const breakerOpenFor = 30 * time.Second

type breaker struct {
	mu        sync.Mutex
	openUntil time.Time
}

func (b *breaker) open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Now().Before(b.openUntil)
}

func (b *breaker) trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openUntil = time.Now().Add(breakerOpenFor)
}

// Chain is an llm.Provider that tries its members in order, skipping any
// currently tripped by a prior failure, and tripping a member's breaker on
// error before falling through to the next.
type Chain struct {
	names     []llm.Name
	providers map[llm.Name]llm.Provider
	breakers  map[llm.Name]*breaker
	models    map[llm.Name]string
}

// Build constructs a Chain from cfg.LLM.Providers, in order. Unknown
// provider names are rejected at build time rather than silently skipped.
func Build(cfg config.LLMConfig) (*Chain, error) {
	c := &Chain{
		providers: make(map[llm.Name]llm.Provider),
		breakers:  make(map[llm.Name]*breaker),
		models:    make(map[llm.Name]string),
	}
	for _, raw := range cfg.Providers {
		name := llm.Name(raw)
		switch raw {
		case "anthropic":
			c.providers[name] = anthropic.New(cfg.AnthropicKey, cfg.AnthropicModel)
			c.models[name] = cfg.AnthropicModel
		case "openai":
			c.providers[name] = openai.New(cfg.OpenAIKey, cfg.OpenAIModel)
			c.models[name] = cfg.OpenAIModel
		default:
			return nil, fmt.Errorf("unsupported llm provider: %s", raw)
		}
		c.breakers[name] = &breaker{}
		c.names = append(c.names, name)
	}
	if len(c.names) == 0 {
		return nil, fmt.Errorf("no llm providers configured")
	}
	return c, nil
}

// Chat tries each configured provider in order until one succeeds.
func (c *Chain) Chat(ctx context.Context, msgs []llm.Message, model string) (llm.Message, error) {
	log := observability.LoggerWithTrace(ctx)
	var lastErr error
	for _, name := range c.names {
		b := c.breakers[name]
		if b.open() {
			continue
		}
		useModel := model
		if useModel == "" {
			useModel = c.models[name]
		}
		msg, err := c.providers[name].Chat(ctx, msgs, useModel)
		if err == nil {
			return msg, nil
		}
		log.Warn().Err(err).Str("provider", string(name)).Msg("llm provider failed, trying next")
		b.trip()
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("all llm providers unavailable")
	}
	return llm.Message{}, lastErr
}

// ChatJSON implements llm.StructuredProvider, trying each configured
// provider that supports structured output in order.
func (c *Chain) ChatJSON(ctx context.Context, msgs []llm.Message, model string, schema map[string]any) (string, error) {
	log := observability.LoggerWithTrace(ctx)
	var lastErr error
	for _, name := range c.names {
		structured, ok := c.providers[name].(llm.StructuredProvider)
		if !ok {
			continue
		}
		b := c.breakers[name]
		if b.open() {
			continue
		}
		useModel := model
		if useModel == "" {
			useModel = c.models[name]
		}
		out, err := structured.ChatJSON(ctx, msgs, useModel, schema)
		if err == nil {
			return out, nil
		}
		log.Warn().Err(err).Str("provider", string(name)).Msg("llm provider chat_json failed, trying next")
		b.trip()
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no structured-output llm providers available")
	}
	return "", lastErr
}

// Embedder returns an llm.Embedder for embedding-capable providers in the
// chain (currently only openai), or nil if none is configured.
func (c *Chain) Embedder() llm.Embedder {
	if p, ok := c.providers["openai"]; ok {
		if e, ok := p.(llm.Embedder); ok {
			return e
		}
	}
	return nil
}
