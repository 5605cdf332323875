package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"echovault/server/internal/config"
)

const summaryPrompt = `You condense memory records into a single short summary.
Preserve concrete facts, names, dates and numbers. Write plain prose, no list
markers. Stay under %d characters.`

// Summarizer condenses a batch of memory texts into one bounded summary.
type Summarizer interface {
	Summarize(ctx context.Context, texts []string, maxLength int) (string, error)
}

// ChatSummarizer produces summaries with a chat-completion model and falls
// back to an extractive summary when the model is unreachable, so a
// lifecycle run never aborts on provider unavailability.
type ChatSummarizer struct {
	client      *openai.Client
	model       string
	temperature float64
	logger      zerolog.Logger
}

func NewChatSummarizer(cfg config.SummarizerConfig, logger zerolog.Logger) *ChatSummarizer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &ChatSummarizer{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		logger:      logger.With().Str("component", "summarizer").Logger(),
	}
}

func (s *ChatSummarizer) Summarize(ctx context.Context, texts []string, maxLength int) (string, error) {
	if len(texts) == 0 {
		return "", fmt.Errorf("nothing to summarize")
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.model,
		Temperature: float32(s.temperature),
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: fmt.Sprintf(summaryPrompt, maxLength),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: strings.Join(texts, "\n---\n"),
			},
		},
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("chat summarization failed, using extractive fallback")
		return ExtractiveSummary(texts, maxLength), nil
	}
	if len(resp.Choices) == 0 {
		return ExtractiveSummary(texts, maxLength), nil
	}

	return Truncate(strings.TrimSpace(resp.Choices[0].Message.Content), maxLength), nil
}

// ExtractiveSummary concatenates the leading sentence of each text up to the
// length bound. Used when the model is unavailable.
func ExtractiveSummary(texts []string, maxLength int) string {
	var b strings.Builder
	for _, t := range texts {
		sentence := firstSentence(strings.TrimSpace(t))
		if sentence == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(sentence)
		if b.Len() >= maxLength {
			break
		}
	}
	return Truncate(b.String(), maxLength)
}

func firstSentence(text string) string {
	for i, r := range text {
		switch r {
		case '.', '!', '?':
			return text[:i+1]
		case '\n':
			// Terminates the sentence but is not part of it.
			return text[:i]
		}
	}
	return text
}

// Truncate cuts a string to at most maxLength runes at a rune boundary.
func Truncate(s string, maxLength int) string {
	if maxLength <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxLength {
		return s
	}
	return string(runes[:maxLength])
}
