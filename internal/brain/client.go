// Package brain generates the coach's conversational replies.
package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/antoniostano/oratio/internal/reliability"
)

// ErrEmptyReply is returned when the chat backend answers without content.
var ErrEmptyReply = errors.New("brain: empty reply")

const defaultEmotion = "neutre"

// Message is one prior exchange in the conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Scenario frames the coaching exercise for the system prompt.
type Scenario struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Language    string `json:"language"`
}

// Reply is the coach's next utterance with its emotional coloring.
type Reply struct {
	Text    string `json:"text"`
	Emotion string `json:"emotion"`
}

// Client produces the next coach reply from the conversation so far.
type Client interface {
	Generate(ctx context.Context, history []Message, scenario Scenario) (Reply, error)
}

// ChatClient is the slice of the OpenAI-compatible API we call; it keeps the
// SDK client swappable in tests.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIBrain drives any OpenAI-compatible chat endpoint through
// sashabaranov/go-openai.
type OpenAIBrain struct {
	client ChatClient
	model  string
}

func NewOpenAIBrain(cfg Config) *OpenAIBrain {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIBrain{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}
}

// NewOpenAIBrainWithClient injects a custom chat client, used by tests.
func NewOpenAIBrainWithClient(client ChatClient, model string) *OpenAIBrain {
	return &OpenAIBrain{client: client, model: model}
}

func (b *OpenAIBrain) Generate(ctx context.Context, history []Message, scenario Scenario) (Reply, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt(scenario),
	})
	for _, m := range history {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	req := openai.ChatCompletionRequest{
		Model:    b.model,
		Messages: messages,
	}

	resp, err := b.client.CreateChatCompletion(ctx, req)
	if err != nil && isRetryable(err) && ctx.Err() == nil {
		// One retry absorbs transient gateway hiccups; persistent outages
		// fail the turn and are surfaced to the caller.
		resp, err = b.client.CreateChatCompletion(ctx, req)
	}
	if err != nil {
		return Reply{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, ErrEmptyReply
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return Reply{}, ErrEmptyReply
	}

	text, emotion := splitEmotion(content)
	return Reply{Text: text, Emotion: emotion}, nil
}

func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return reliability.IsRetryableHTTPStatus(apiErr.HTTPStatusCode)
	}
	return reliability.IsRetryableConnectError(err)
}

func systemPrompt(scenario Scenario) string {
	var sb strings.Builder
	sb.WriteString("Tu es un coach vocal interactif. Ton objectif est d'aider l'utilisateur a ameliorer son expression orale.")
	if scenario.Description != "" {
		sb.WriteString(" Contexte de l'exercice: ")
		sb.WriteString(scenario.Description)
		sb.WriteString(".")
	}
	if scenario.Language != "" {
		sb.WriteString(" Reponds en ")
		sb.WriteString(scenario.Language)
		sb.WriteString(".")
	}
	sb.WriteString(" Commence chaque reponse par un marqueur [EMOTION: <emotion>] decrivant le ton de ta reponse.")
	return sb.String()
}

// splitEmotion extracts an [EMOTION: x] marker anywhere in the reply and
// strips it from the text. Missing or malformed markers fall back to the
// neutral default.
func splitEmotion(content string) (string, string) {
	for _, marker := range []string{"[EMOTION:", "[ÉMOTION:"} {
		start := strings.Index(content, marker)
		if start < 0 {
			continue
		}
		end := strings.Index(content[start:], "]")
		if end < 0 {
			continue
		}
		end += start
		emotion := strings.TrimSpace(content[start+len(marker) : end])
		text := strings.TrimSpace(content[:start] + content[end+1:])
		if emotion == "" {
			emotion = defaultEmotion
		}
		return text, emotion
	}
	return content, defaultEmotion
}
