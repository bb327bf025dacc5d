package data

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tableside/staff-bridge/internal/biz/domain"
)

const suggestSystemPrompt = `You help restaurant staff answer diners quickly.
Given a diner request and a numbered list of canned replies, answer with the
number of the single most fitting reply and nothing else.`

// SuggesterConfig configures the OpenAI-compatible reply ranker
type SuggesterConfig struct {
	APIKey  string
	Model   string
	BaseURL string // empty for api.openai.com
	Timeout time.Duration
}

// chatCompleter is the subset of *openai.Client we use
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAISuggester implements repo.ReplySuggester with a chat completion model
type OpenAISuggester struct {
	client  chatCompleter
	model   string
	timeout time.Duration
}

// NewOpenAISuggester returns nil when no API key is configured
func NewOpenAISuggester(cfg SuggesterConfig) *OpenAISuggester {
	if cfg.APIKey == "" {
		return nil
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &OpenAISuggester{
		client:  openai.NewClientWithConfig(config),
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}
}

// Suggest returns the index of the best candidate
func (s *OpenAISuggester) Suggest(ctx context.Context, n domain.Notification, candidates []string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: suggestSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildSuggestPrompt(n, candidates)},
		},
		Temperature: 0.1,
		MaxTokens:   5, // a single number
	})
	if err != nil {
		return 0, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return 0, fmt.Errorf("no response choices")
	}

	return parseChoice(resp.Choices[0].Message.Content, len(candidates))
}

func buildSuggestPrompt(n domain.Notification, candidates []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Request (%s) from %s: %s\n\nReplies:\n", n.Category, n.OriginName, n.Text)
	for i, c := range candidates {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, c)
	}
	return sb.String()
}

// parseChoice extracts a 1-based number from the model answer and returns
// the 0-based index
func parseChoice(answer string, n int) (int, error) {
	answer = strings.TrimSpace(answer)
	end := 0
	for end < len(answer) && answer[end] >= '0' && answer[end] <= '9' {
		end++
	}
	num, err := strconv.Atoi(answer[:end])
	if err != nil || num < 1 || num > n {
		return 0, fmt.Errorf("unusable answer %q", answer)
	}
	return num - 1, nil
}
