// Package openai adapts the OpenAI chat completion API to the relay's
// conversation engine interface.
package openai

import (
	"context"
	"fmt"
	"strings"

	gopenai "github.com/sashabaranov/go-openai"

	"github.com/kynnyhsap/voicerelay/pkg/relay/session"
)

const defaultSystemPrompt = "You are a helpful voice assistant. Keep replies short and conversational; they will be spoken aloud."

// Config holds the engine parameters shared by every session.
type Config struct {
	APIKey       string
	Model        string
	SystemPrompt string

	// BaseURL overrides the OpenAI endpoint, used by tests.
	BaseURL string
}

// Engine turns final transcripts into assistant replies. One Engine is
// shared across sessions; per-session state lives in the history argument.
type Engine struct {
	client       *gopenai.Client
	model        string
	systemPrompt string
}

func NewEngine(cfg Config) *Engine {
	model := cfg.Model
	if model == "" {
		model = gopenai.GPT4oMini
	}
	systemPrompt := cfg.SystemPrompt
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = defaultSystemPrompt
	}
	clientCfg := gopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Engine{
		client:       gopenai.NewClientWithConfig(clientCfg),
		model:        model,
		systemPrompt: systemPrompt,
	}
}

// Reply runs one chat completion over the system prompt, the completed
// turns, and the new prompt.
func (e *Engine) Reply(ctx context.Context, prompt string, history []session.Turn) (session.Reply, error) {
	messages := make([]gopenai.ChatCompletionMessage, 0, 2*len(history)+2)
	messages = append(messages, gopenai.ChatCompletionMessage{
		Role:    gopenai.ChatMessageRoleSystem,
		Content: e.systemPrompt,
	})
	for _, turn := range history {
		messages = append(messages,
			gopenai.ChatCompletionMessage{Role: gopenai.ChatMessageRoleUser, Content: turn.Prompt},
			gopenai.ChatCompletionMessage{Role: gopenai.ChatMessageRoleAssistant, Content: turn.Reply.Content},
		)
	}
	messages = append(messages, gopenai.ChatCompletionMessage{
		Role:    gopenai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := e.client.CreateChatCompletion(ctx, gopenai.ChatCompletionRequest{
		Model:    e.model,
		Messages: messages,
	})
	if err != nil {
		return session.Reply{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return session.Reply{}, fmt.Errorf("chat completion returned no choices")
	}

	return session.Reply{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
	}, nil
}
