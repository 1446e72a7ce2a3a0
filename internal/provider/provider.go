// Package provider defines the generation-provider boundary: a single text
// generation call plus a streaming variant, each optionally carrying the
// provider's own token accounting.
package provider

import "context"

// Request is one generation call.
type Request struct {
	Model       string
	System      string
	Prompt      string
	Temperature float32
	MaxTokens   int
}

// TokenUsage is the provider's own token accounting for a call. When absent
// from a response, billing falls back to a heuristic estimate.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is the outcome of a non-streaming generation call.
type Response struct {
	Text  string
	Usage *TokenUsage
}

// Chunk is one streamed increment. Usage, when present, arrives on the final
// chunk. Err terminates the stream.
type Chunk struct {
	Text  string
	Usage *TokenUsage
	Err   error
}

// Provider is an external text generation service.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	// GenerateStream returns a channel that is closed once the stream is
	// fully drained or an Err chunk has been delivered.
	GenerateStream(ctx context.Context, req Request) (<-chan Chunk, error)
}
