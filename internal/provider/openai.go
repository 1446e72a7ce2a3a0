package provider

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAI adapts an OpenAI-compatible chat completion endpoint to Provider.
type OpenAI struct {
	client *openai.Client
	logger *zap.Logger
}

// NewOpenAI creates a provider against api.openai.com.
func NewOpenAI(apiKey string, logger *zap.Logger) *OpenAI {
	return &OpenAI{client: openai.NewClient(apiKey), logger: logger}
}

// NewOpenAICompatible points the client at any OpenAI-compatible base URL.
func NewOpenAICompatible(apiKey, baseURL string, logger *zap.Logger) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return &OpenAI{client: openai.NewClientWithConfig(cfg), logger: logger}
}

func buildMessages(req Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})
	return msgs
}

// Generate performs a blocking chat completion.
func (o *OpenAI) Generate(ctx context.Context, req Request) (*Response, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    buildMessages(req),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: empty choices")
	}

	out := &Response{Text: resp.Choices[0].Message.Content}
	if resp.Usage.PromptTokens > 0 || resp.Usage.CompletionTokens > 0 {
		out.Usage = &TokenUsage{
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
		}
	}
	return out, nil
}

// GenerateStream performs a streaming chat completion. Usage metadata is
// requested from the provider and forwarded on the trailing chunk.
func (o *OpenAI) GenerateStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	stream, err := o.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    buildMessages(req),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open completion stream: %w", err)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			recv, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				out <- Chunk{Err: fmt.Errorf("stream recv: %w", err)}
				return
			}
			chunk := Chunk{}
			if len(recv.Choices) > 0 {
				chunk.Text = recv.Choices[0].Delta.Content
			}
			if recv.Usage != nil {
				chunk.Usage = &TokenUsage{
					InputTokens:  int64(recv.Usage.PromptTokens),
					OutputTokens: int64(recv.Usage.CompletionTokens),
				}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
