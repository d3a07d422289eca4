// Package ai abstracts the LLM and embedding providers behind small
// interfaces the pipeline consumes, with OpenAI-compatible implementations.
package ai

import "context"

// ResponseSchema asks the model for structured output matching a JSON
// schema. Name labels the schema for the provider; Schema is a standard
// JSON-schema document.
type ResponseSchema struct {
	Name   string
	Schema map[string]any
}

// LLM produces a single completion for a system instruction and user
// message. When schema is non-nil the provider constrains the output to
// JSON matching it.
type LLM interface {
	Generate(ctx context.Context, systemInstruction, userMessage string, schema *ResponseSchema) (string, error)
}

// Embedder converts texts to fixed-dimension vectors. Embed preserves input
// order and returns one vector per text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}
