package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/quizforge/internal/llm/prompts"
	"github.com/pavelanni/quizforge/internal/model"
)

// ErrEmptyResponse is returned when the model answers without content.
var ErrEmptyResponse = errors.New("LLM returned no choices")

// Client wraps an OpenAI-compatible API client and implements session.Source.
type Client struct {
	api     *openai.Client
	model   string
	variant prompts.PromptVariant
}

// New creates a new LLM client. The variant selects the report tone.
func New(baseURL, apiKey, modelName string, variant prompts.PromptVariant) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if variant == "" {
		variant = prompts.PromptStandard
	}
	return &Client{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		variant: variant,
	}
}

// Ping checks that the API is reachable with the configured credentials.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// generatedQuestion is the shape the model is asked to produce.
type generatedQuestion struct {
	Kind           model.Kind       `json:"kind"`
	Prompt         string           `json:"prompt"`
	Options        []string         `json:"options"`
	CorrectIndices []int            `json:"correct_indices"`
	SampleAnswer   string           `json:"sample_answer"`
	Explanation    string           `json:"explanation"`
	Difficulty     model.Difficulty `json:"difficulty"`
}

type generateResponse struct {
	Questions []generatedQuestion `json:"questions"`
}

// Generate asks the model for a batch of questions over the request documents.
func (c *Client) Generate(ctx context.Context, req model.GenerateRequest) ([]model.Question, error) {
	systemPrompt, err := prompts.BuildGeneratePrompt(req)
	if err != nil {
		return nil, fmt.Errorf("build generate prompt: %w", err)
	}

	raw, err := c.complete(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, MultiContent: documentParts(req.Documents)},
	}, 0.7)
	if err != nil {
		return nil, err
	}

	var resp generateResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("parse generate response: %w (raw: %s)", err, raw)
	}

	questions := make([]model.Question, 0, len(resp.Questions))
	for i, g := range resp.Questions {
		q, err := g.toQuestion(req.Difficulties)
		if err != nil {
			return nil, fmt.Errorf("question %d: %w", i, err)
		}
		questions = append(questions, q)
	}
	if len(questions) != req.Count {
		return nil, fmt.Errorf("LLM returned %d questions, want %d", len(questions), req.Count)
	}
	slog.Debug("generated questions", "count", len(questions), "difficulties", req.Difficulties)
	return questions, nil
}

func (g generatedQuestion) toQuestion(allowed []model.Difficulty) (model.Question, error) {
	q := model.Question{
		ID:          uuid.NewString(),
		Prompt:      g.Prompt,
		Explanation: g.Explanation,
		Difficulty:  g.Difficulty,
	}
	if !q.Difficulty.Valid() && len(allowed) > 0 {
		q.Difficulty = allowed[0]
	}

	switch g.Kind {
	case model.KindMCQ, "":
		if len(g.Options) != model.OptionCount {
			return q, fmt.Errorf("%w: %d options, want %d", model.ErrInvalidQuestion, len(g.Options), model.OptionCount)
		}
		var mc model.MultipleChoice
		copy(mc.Options[:], g.Options)
		mc.CorrectIndices = g.CorrectIndices
		q.Body = mc
	case model.KindText:
		q.Body = model.ShortAnswer{SampleAnswer: g.SampleAnswer}
	default:
		return q, fmt.Errorf("%w: unknown kind %q", model.ErrInvalidQuestion, g.Kind)
	}
	if err := q.Validate(); err != nil {
		return q, err
	}
	return q, nil
}

// documentParts renders documents as user message parts: extracted text
// inline, PDFs as base64 data URLs.
func documentParts(docs []model.SourceDocument) []openai.ChatMessagePart {
	parts := []openai.ChatMessagePart{{
		Type: openai.ChatMessagePartTypeText,
		Text: "Study material follows.",
	}}
	for _, d := range docs {
		switch {
		case d.Text != "":
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: fmt.Sprintf("<document name=%q>\n%s\n</document>", d.Name, d.Text),
			})
		case len(d.Data) > 0:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(d.Data),
				},
			})
		}
	}
	return parts
}

// Analyze asks the model for a performance report over the answered questions.
func (c *Client) Analyze(ctx context.Context, history []model.Question) (model.PerformanceReport, error) {
	var report model.PerformanceReport
	systemPrompt, err := prompts.BuildAnalyzePrompt(c.variant, history)
	if err != nil {
		return report, fmt.Errorf("build analyze prompt: %w", err)
	}

	raw, err := c.complete(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: "Write the performance report."},
	}, 0.3)
	if err != nil {
		return report, err
	}
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return report, fmt.Errorf("parse report response: %w (raw: %s)", err, raw)
	}
	if !report.Complete() {
		return report, fmt.Errorf("LLM returned an incomplete report (raw: %s)", raw)
	}
	return report, nil
}

func (c *Client) complete(ctx context.Context, msgs []openai.ChatCompletionMessage, temperature float32) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: msgs,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "raw", raw)
	return raw, nil
}
