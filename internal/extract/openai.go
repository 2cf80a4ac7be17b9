package extract

import (
	"context"
	"fmt"
	"time"

	"mailcal/internal/models"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// OpenAIOptions configures the OpenAI-compatible gateway
type OpenAIOptions struct {
	APIKey   string
	BaseURL  string // Empty uses the public endpoint; set for Ollama or another compatible server
	Model    string
	Timeout  time.Duration
	Location *time.Location // Zone for wall-clock times in the answer
}

// OpenAIGateway extracts occurrences with a chat completion model
type OpenAIGateway struct {
	client   *openai.Client
	model    string
	timeout  time.Duration
	location *time.Location
	schema   *jsonschema.Schema
	logger   zerolog.Logger
}

// NewOpenAIGateway creates a gateway for the OpenAI API or any compatible endpoint
func NewOpenAIGateway(opts OpenAIOptions, logger zerolog.Logger) (*OpenAIGateway, error) {
	if opts.APIKey == "" && opts.BaseURL == "" {
		return nil, fmt.Errorf("no extraction provider configured: set OPENAI_API_KEY or OPENAI_BASE_URL")
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}

	schema, err := compileSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to compile output schema: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	return &OpenAIGateway{
		client:   openai.NewClientWithConfig(cfg),
		model:    model,
		timeout:  timeout,
		location: loc,
		schema:   schema,
		logger:   logger.With().Str("component", "extract").Str("model", model).Logger(),
	}, nil
}

// Extract asks the model for the message's events. A transport failure or an answer that
// does not validate is an error; an empty event list is not.
func (g *OpenAIGateway) Extract(ctx context.Context, msg models.Message, known []models.Occurrence) ([]models.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: buildSystemPrompt(msg, known, g.location)},
			{Role: openai.ChatMessageRoleUser, Content: buildUserPrompt(msg)},
		},
		Temperature:    0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices in response", ErrMalformedOutput)
	}

	cands, err := parseCandidates(g.schema, resp.Choices[0].Message.Content, g.location)
	if err != nil {
		return nil, err
	}

	g.logger.Info().
		Str("message_id", msg.ID).
		Int("candidates", len(cands)).
		Dur("duration", time.Since(start)).
		Msg("Extracted events")

	return cands, nil
}
