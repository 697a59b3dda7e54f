// Package ollama is an llm.Generator for the Ollama /api/chat endpoint.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/af-corp/rewrite-gateway/internal/llm"
)

// ErrMalformedChunk is returned for a chunk that is neither a message, a
// final done marker, nor an error report.
var ErrMalformedChunk = errors.New("malformed ollama chunk: missing message.content")

// StatusError is returned when Ollama answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ollama returned status %d: %s", e.StatusCode, e.Body)
}

// Client talks to a single Ollama server.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client. A zero timeout leaves the request unbounded
// apart from the caller's context.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// NewClientWithHTTP is NewClient with a caller-supplied http.Client.
func NewClientWithHTTP(baseURL string, client *http.Client) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (c *Client) Name() string { return "ollama" }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []llm.Message `json:"messages"`
}

// chatChunk is one object of the response. Ollama streams them newline
// delimited by default and sends a single object when streaming is off.
type chatChunk struct {
	Message *chatMessage `json:"message"`
	Done    bool         `json:"done"`
	Error   string       `json:"error"`
}

type chatMessage struct {
	Content *string `json:"content"`
}

// ChatStream posts the conversation and returns the response as a fragment
// stream. The body is read lazily as the stream is consumed.
func (c *Client) ChatStream(ctx context.Context, model string, messages []llm.Message) (*llm.Stream, error) {
	data, err := json.Marshal(chatRequest{Model: model, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		if err != nil {
			return nil, errors.Join(statusErr, fmt.Errorf("read ollama error body: %w", err))
		}
		return nil, statusErr
	}

	dec := json.NewDecoder(resp.Body)
	recv := func() (string, bool, error) {
		var chunk chatChunk
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return "", true, nil
			}
			return "", false, fmt.Errorf("decode ollama chunk: %w", err)
		}
		if chunk.Error != "" {
			return "", false, fmt.Errorf("ollama error: %s", chunk.Error)
		}
		if chunk.Message == nil || chunk.Message.Content == nil {
			// the final chunk may omit the message
			if chunk.Done {
				return "", true, nil
			}
			return "", false, ErrMalformedChunk
		}
		return *chunk.Message.Content, chunk.Done, nil
	}
	return llm.NewStream(recv, resp.Body.Close), nil
}
