package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const defaultModelName = "gemini-1.5-flash-latest"

// TextGenerator is the language model capability every AI-assisted stage depends on.
type TextGenerator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// GenerateOptions tune one generation call.
type GenerateOptions struct {
	Temperature float32
	MaxTokens   int32
}

type LLMService struct {
	client    *genai.Client
	modelName string
	opts      GenerateOptions
	logger    *zap.Logger
}

// NewLLMService creates a Gemini-backed generator. An empty apiKey yields
// ErrLLMUnavailable so callers can wire the deterministic strategies instead.
func NewLLMService(ctx context.Context, apiKey, modelName string, logger *zap.Logger) (*LLMService, error) {
	if apiKey == "" {
		return nil, ErrLLMUnavailable
	}
	if modelName == "" {
		modelName = defaultModelName
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &LLMService{
		client:    client,
		modelName: modelName,
		opts:      GenerateOptions{Temperature: 0.2, MaxTokens: 1024},
		logger:    logger.Named("llm"),
	}, nil
}

func (s *LLMService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.Warn("error closing GenAI client", zap.Error(err))
		} else {
			s.logger.Info("GenAI client closed")
		}
	}
}

// Generate sends one prompt with a system instruction and returns the text reply.
func (s *LLMService) Generate(ctx context.Context, system, prompt string) (string, error) {
	model := s.client.GenerativeModel(s.modelName)

	if system != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(system)},
		}
	}

	temp := s.opts.Temperature
	maxTokens := s.opts.MaxTokens
	model.GenerationConfig = genai.GenerationConfig{
		MaxOutputTokens: &maxTokens,
		Temperature:     &temp,
	}

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		llmCallsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("gemini request failed: %w", err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		llmCallsTotal.WithLabelValues("empty").Inc()
		return "", errors.New("gemini response was empty or had no valid candidates")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		} else {
			s.logger.Debug("gemini response part was not text", zap.String("type", fmt.Sprintf("%T", part)))
		}
	}

	if text.Len() == 0 {
		llmCallsTotal.WithLabelValues("empty").Inc()
		return "", errors.New("gemini response contained no text")
	}

	llmCallsTotal.WithLabelValues("ok").Inc()
	return text.String(), nil
}

// extractJSON returns the outermost JSON object in a model reply, tolerating
// code fences and prose around it.
func extractJSON(reply string) (string, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return "", errors.New("no JSON object in model reply")
	}
	return reply[start : end+1], nil
}
