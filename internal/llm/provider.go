package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/comigor/supportdesk/internal/capability"
	"github.com/comigor/supportdesk/internal/config"
	"github.com/comigor/supportdesk/internal/logger"
	"github.com/sashabaranov/go-openai"
)

const defaultProbeTimeout = 3 * time.Second

// ErrEmptyGeneration is returned when the provider answers with no text.
var ErrEmptyGeneration = errors.New("provider returned an empty generation")

// Message is one chat message handed to a provider.
type Message struct {
	Role    string
	Content string
}

// Request is a single inference call. Prompt is the rendered transcript used by
// completion-style runtimes; Messages carries the same history for chat-style APIs.
type Request struct {
	Prompt      string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float32
}

// Provider turns a request into generated text.
type Provider interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Capability is the probed state of the inference provider.
type Capability = capability.Descriptor[Provider]

// Probe decides once whether real inference is possible for cfg. It never fails:
// every problem is reported as an Unavailable capability.
func Probe(ctx context.Context, cfg config.LLMConfig) Capability {
	return probe(ctx, cfg, NewClient(cfg))
}

func probe(ctx context.Context, cfg config.LLMConfig, client Client) Capability {
	switch strings.ToLower(cfg.Provider) {
	case "", "mock", "none":
		return unavailable("no inference provider configured")

	case "openai":
		if cfg.APIKey == "" {
			return unavailable("openai provider requires an api key")
		}
		logger.L.Info("inference provider ready", "provider", "openai", "model", cfg.Model)
		return capability.Available[Provider](&ChatProvider{client: client, model: cfg.Model})

	case "local":
		if cfg.ModelPath == "" {
			return unavailable("local provider requires a model path")
		}
		if _, err := os.Stat(cfg.ModelPath); err != nil {
			return unavailable(fmt.Sprintf("model file not found at %s", cfg.ModelPath))
		}
		timeout := cfg.ProbeTimeout
		if timeout <= 0 {
			timeout = defaultProbeTimeout
		}
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if _, err := client.ListModels(pctx); err != nil {
			return unavailable(fmt.Sprintf("failed to load model: %v", err))
		}
		logger.L.Info("inference provider ready", "provider", "local", "model_path", cfg.ModelPath)
		return capability.Available[Provider](&CompletionProvider{client: client, model: cfg.Model})

	default:
		return unavailable(fmt.Sprintf("unsupported provider %q", cfg.Provider))
	}
}

func unavailable(reason string) Capability {
	logger.L.Warn("inference provider unavailable; using mock responses", "reason", reason)
	return capability.Unavailable[Provider](reason)
}

// ChatProvider generates through the chat completion endpoint.
type ChatProvider struct {
	client Client
	model  string
}

// NewChatProvider wraps client for chat-style generation.
func NewChatProvider(client Client, model string) *ChatProvider {
	return &ChatProvider{client: client, model: model}
}

// Generate implements Provider.
func (p *ChatProvider) Generate(ctx context.Context, req Request) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyGeneration
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyGeneration
	}
	return text, nil
}

// CompletionProvider generates through the plain completion endpoint of a local runtime.
type CompletionProvider struct {
	client Client
	model  string
}

// NewCompletionProvider wraps client for prompt-style generation.
func NewCompletionProvider(client Client, model string) *CompletionProvider {
	return &CompletionProvider{client: client, model: model}
}

// Generate implements Provider.
func (p *CompletionProvider) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := p.client.CreateCompletion(ctx, openai.CompletionRequest{
		Model:       p.model,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        []string{"\nUser:"},
	})
	if err != nil {
		return "", fmt.Errorf("completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyGeneration
	}
	text := strings.TrimSpace(resp.Choices[0].Text)
	if text == "" {
		return "", ErrEmptyGeneration
	}
	return text, nil
}
