package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
	"go.opentelemetry.io/otel/attribute"

	"github.com/evermem/memsrv/pkg/memerr"
	"github.com/evermem/memsrv/pkg/resilience"
	"github.com/evermem/memsrv/pkg/telemetry"
)

// OpenAIConfig configures both OpenAI-backed services. BaseURL allows any
// OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	CallsPerSecond float64
	Retry          resilience.RetryConfig
}

// OpenAILLM implements LLM against the chat completions API with rate
// limiting and retry on transient upstream failures.
type OpenAILLM struct {
	client  *openai.Client
	logger  *log.Logger
	model   string
	limiter *resilience.Limiter
	retry   resilience.RetryConfig
}

// NewOpenAILLM validates the config and builds the client.
func NewOpenAILLM(logger *log.Logger, cfg OpenAIConfig) (*OpenAILLM, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.APIKey == "" {
		return nil, memerr.Configuration("LLM API key cannot be empty")
	}
	if cfg.Model == "" {
		return nil, memerr.Configuration("LLM model cannot be empty")
	}

	client := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
	)
	return &OpenAILLM{
		client:  &client,
		logger:  logger,
		model:   cfg.Model,
		limiter: resilience.NewLimiter(cfg.CallsPerSecond),
		retry:   cfg.Retry,
	}, nil
}

// Generate runs one chat completion. A non-nil schema switches the request
// to strict JSON-schema response format.
func (s *OpenAILLM) Generate(ctx context.Context, systemInstruction, userMessage string, schema *ResponseSchema) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "llm.generate", telemetry.KindLLM,
		attribute.String("llm.provider", "openai"),
		attribute.String("llm.model_name", s.model),
		attribute.String("llm.input_messages.0.message.role", "system"),
		attribute.String("llm.input_messages.0.message.content", telemetry.SafeSerialize(systemInstruction)),
		attribute.String("llm.input_messages.1.message.role", "user"),
		attribute.String("llm.input_messages.1.message.content", telemetry.SafeSerialize(userMessage)),
	)
	var err error
	defer func() { telemetry.End(span, err) }()

	params := openai.ChatCompletionNewParams{
		Model: s.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemInstruction),
			openai.UserMessage(userMessage),
		},
		Temperature: param.NewOpt(0.0),
	}
	if schema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   schema.Name,
					Schema: schema.Schema,
					Strict: param.NewOpt(true),
				},
			},
		}
	}

	completion, err := resilience.Retry(ctx, s.retry, s.logger, "llm.generate",
		func(ctx context.Context) (*openai.ChatCompletion, error) {
			if waitErr := s.limiter.Wait(ctx); waitErr != nil {
				return nil, waitErr
			}
			completion, callErr := s.client.Chat.Completions.New(ctx, params)
			if callErr != nil {
				return nil, classify(callErr)
			}
			return completion, nil
		})
	if err != nil {
		return "", err
	}
	if len(completion.Choices) == 0 {
		err = memerr.API("model returned no completion choices")
		return "", err
	}

	content := completion.Choices[0].Message.Content
	span.SetAttributes(
		attribute.String("output.value", telemetry.SafeSerialize(content)),
		attribute.Int64("llm.token_count.prompt", completion.Usage.PromptTokens),
		attribute.Int64("llm.token_count.completion", completion.Usage.CompletionTokens),
		attribute.Int64("llm.token_count.total", completion.Usage.TotalTokens),
	)
	return content, nil
}

// OpenAIEmbedder implements Embedder against the embeddings API.
type OpenAIEmbedder struct {
	client  *openai.Client
	logger  *log.Logger
	model   string
	dim     int
	limiter *resilience.Limiter
	retry   resilience.RetryConfig
}

// NewOpenAIEmbedder validates the config and builds the client. dim is
// passed through to the API so the stored vectors always match the
// collection schema.
func NewOpenAIEmbedder(logger *log.Logger, cfg OpenAIConfig, dim int) (*OpenAIEmbedder, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.APIKey == "" {
		return nil, memerr.Configuration("embedding API key cannot be empty")
	}
	if cfg.Model == "" {
		return nil, memerr.Configuration("embedding model cannot be empty")
	}
	if dim <= 0 {
		return nil, memerr.Configuration("embedding dimension must be positive")
	}

	client := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
	)
	return &OpenAIEmbedder{
		client:  &client,
		logger:  logger,
		model:   cfg.Model,
		dim:     dim,
		limiter: resilience.NewLimiter(cfg.CallsPerSecond),
		retry:   cfg.Retry,
	}, nil
}

// Dim returns the configured embedding dimension.
func (s *OpenAIEmbedder) Dim() int {
	return s.dim
}

// Embed embeds all texts in one request, preserving order.
func (s *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := telemetry.StartSpan(ctx, "embedding.embed", telemetry.KindEmbedding,
		attribute.String("embedding.model_name", s.model),
		attribute.Int("embedding.text_count", len(texts)),
		attribute.String("input.value", telemetry.SafeSerialize(texts)),
	)
	var err error
	defer func() { telemetry.End(span, err) }()

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	response, err := resilience.Retry(ctx, s.retry, s.logger, "embedding.embed",
		func(ctx context.Context) (*openai.CreateEmbeddingResponse, error) {
			if waitErr := s.limiter.Wait(ctx); waitErr != nil {
				return nil, waitErr
			}
			response, callErr := s.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
				Model: s.model,
				Input: openai.EmbeddingNewParamsInputUnion{
					OfArrayOfStrings: texts,
				},
				Dimensions: param.NewOpt(int64(s.dim)),
			})
			if callErr != nil {
				return nil, classify(callErr)
			}
			return response, nil
		})
	if err != nil {
		return nil, err
	}
	if len(response.Data) != len(texts) {
		err = memerr.API(fmt.Sprintf("embedding API returned %d vectors for %d inputs", len(response.Data), len(texts)))
		return nil, err
	}

	vectors := make([][]float32, len(texts))
	for _, item := range response.Data {
		vector := make([]float32, len(item.Embedding))
		for i, f := range item.Embedding {
			vector[i] = float32(f)
		}
		vectors[item.Index] = vector
	}
	return vectors, nil
}

// classify maps provider failures to the error taxonomy: rate limits and
// server errors are retryable, auth problems are configuration, the rest is
// a plain API error. Context cancellation passes through untouched.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429 || apiErr.StatusCode >= 500:
			return memerr.Retryable(fmt.Sprintf("upstream returned %d: %v", apiErr.StatusCode, err))
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return memerr.Configuration(fmt.Sprintf("upstream rejected credentials: %v", err))
		default:
			return memerr.API(fmt.Sprintf("upstream request failed: %v", err))
		}
	}
	// Transport-level failures (DNS, connect, reset) are worth retrying.
	return memerr.Retryable(fmt.Sprintf("upstream unreachable: %v", err))
}

var (
	_ LLM      = (*OpenAILLM)(nil)
	_ Embedder = (*OpenAIEmbedder)(nil)
)
