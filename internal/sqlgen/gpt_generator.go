package sqlgen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const maxSuggestions = 3

// GPTGenerator asks an OpenAI chat model for the statement and falls back to
// keyword matching whenever the model call or its answer is unusable.
type GPTGenerator struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	fallback    Generator
	logger      *zap.Logger
}

func NewGPTGenerator(apiKey string, model string, maxTokens int, temperature float64, logger *zap.Logger) *GPTGenerator {
	return NewGPTGeneratorWithClient(openai.NewClient(apiKey), model, maxTokens, temperature, logger)
}

// NewGPTGeneratorWithClient uses a preconfigured client, e.g. one pointed at
// a compatible endpoint.
func NewGPTGeneratorWithClient(client *openai.Client, model string, maxTokens int, temperature float64, logger *zap.Logger) *GPTGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GPTGenerator{
		client:      client,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		fallback:    NewKeywordGenerator(),
		logger:      logger,
	}
}

func (g *GPTGenerator) Generate(ctx context.Context, question string) (Query, error) {
	prompt := fmt.Sprintf(`You translate questions about a PostgreSQL database into a single read-only SQL query.

Schema:
%s

Return the response as a JSON object with this structure:
{
    "sql": "SELECT ...",
    "suggestions": ["follow-up question 1", "follow-up question 2"]
}
Give at most %d suggestions. Never modify data.

Question: %s`, Schema, maxSuggestions, question)

	resp, err := g.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: g.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleUser,
					Content: prompt,
				},
			},
			MaxTokens:   g.maxTokens,
			Temperature: float32(g.temperature),
		},
	)
	if err != nil {
		g.logger.Error("Failed to get GPT response", zap.Error(err))
		return g.fallback.Generate(ctx, question)
	}
	if len(resp.Choices) == 0 {
		g.logger.Error("GPT response has no choices")
		return g.fallback.Generate(ctx, question)
	}

	response := stripFence(resp.Choices[0].Message.Content)
	var q Query
	if err := json.Unmarshal([]byte(response), &q); err != nil {
		g.logger.Error("Failed to parse GPT response",
			zap.Error(err),
			zap.String("response", response))
		return g.fallback.Generate(ctx, question)
	}
	q.SQL = strings.TrimSpace(q.SQL)
	if !isReadOnly(q.SQL) {
		g.logger.Warn("Rejecting generated statement", zap.String("sql", q.SQL))
		return g.fallback.Generate(ctx, question)
	}
	if len(q.Suggestions) > maxSuggestions {
		q.Suggestions = q.Suggestions[:maxSuggestions]
	}
	return q, nil
}

// stripFence removes a surrounding ```json block some models insist on.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func isReadOnly(sql string) bool {
	s := strings.ToLower(strings.TrimSpace(sql))
	if s == "" || strings.Contains(strings.TrimSuffix(s, ";"), ";") {
		return false
	}
	return strings.HasPrefix(s, "select") || strings.HasPrefix(s, "with")
}
