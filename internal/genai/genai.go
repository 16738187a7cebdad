// Package genai summarizes lead replies with the OpenAI chat API.
//
// Summaries are informational only; reply priority always comes from the
// deterministic classifier.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrNoChoicesReturned is returned when the API answers without a choice.
var ErrNoChoicesReturned = errors.New("no choices returned")

// maxReplyInput bounds the reply text sent to the model.
const maxReplyInput = 8000

const summarySystemPrompt = `You summarize replies to B2B outreach emails for a sales team.
Write one or two plain sentences stating what the sender wants and any concrete next step
(meeting request, pricing question, referral, opt-out). Do not add greetings or speculation.`

// chatService is the subset of the chat completion API the client uses.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat        chatService
	model       openai.ChatModel
	temperature float64
	maxTokens   int64
}

// Opt configures a Client.
type Opt func(*clientConfig)

type clientConfig struct {
	apiKey      string
	model       openai.ChatModel
	temperature float64
	maxTokens   int64
}

// WithAPIKey sets the API key. Without it OPENAI_API_KEY is used.
func WithAPIKey(key string) Opt {
	return func(c *clientConfig) { c.apiKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) Opt {
	return func(c *clientConfig) { c.model = openai.ChatModel(model) }
}

// WithTemperature overrides the sampling temperature.
func WithTemperature(t float64) Opt {
	return func(c *clientConfig) { c.temperature = t }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int64) Opt {
	return func(c *clientConfig) { c.maxTokens = n }
}

// NewClient creates a Client. It fails when no API key is configured.
func NewClient(opts ...Opt) (*Client, error) {
	cfg := clientConfig{
		apiKey:      os.Getenv("OPENAI_API_KEY"),
		model:       openai.ChatModelGPT4oMini,
		temperature: 0.2,
		maxTokens:   200,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.apiKey))
	return &Client{
		chat:        &cli.Chat.Completions,
		model:       cfg.model,
		temperature: cfg.temperature,
		maxTokens:   cfg.maxTokens,
	}, nil
}

// Generate runs one system+user completion and returns the first choice.
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxTokens)
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// SummarizeReply returns a short summary of a lead's reply.
func (c *Client) SummarizeReply(ctx context.Context, company, reply string) (string, error) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", nil
	}
	if len(reply) > maxReplyInput {
		reply = strings.ToValidUTF8(reply[:maxReplyInput], "")
	}
	user := reply
	if company != "" {
		user = fmt.Sprintf("Reply from %s:\n\n%s", company, reply)
	}
	summary, err := c.Generate(ctx, summarySystemPrompt, user)
	if err != nil {
		return "", err
	}
	slog.Debug("Client.SummarizeReply: summary generated", "model", c.model, "chars", utf8.RuneCountInString(summary))
	return summary, nil
}
