// Package openai is an llm.Generator for OpenAI-compatible chat completion
// servers, including Ollama's /v1 endpoint and vLLM.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/af-corp/rewrite-gateway/internal/llm"
)

// Client streams chat completions through go-openai.
type Client struct {
	client *goopenai.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	cfg := goopenai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		cfg.BaseURL = "http://" + cfg.BaseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	return &Client{client: goopenai.NewClientWithConfig(cfg)}
}

func (c *Client) Name() string { return "openai" }

// ChatStream opens a streaming completion. Fragments are the delta content
// of the first choice.
func (c *Client) ChatStream(ctx context.Context, model string, messages []llm.Message) (*llm.Stream, error) {
	req := goopenai.ChatCompletionRequest{
		Model:    model,
		Stream:   true,
		Messages: make([]goopenai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create chat completion stream: %w", err)
	}

	recv := func() (string, bool, error) {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", true, nil
		}
		if err != nil {
			return "", false, fmt.Errorf("receive chat completion chunk: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", false, nil
		}
		return resp.Choices[0].Delta.Content, false, nil
	}
	return llm.NewStream(recv, func() error { return stream.Close() }), nil
}
