package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/af-corp/rewrite-gateway/internal/config"
	"github.com/af-corp/rewrite-gateway/internal/types"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicAdapter handles communication with the Anthropic Messages API.
type AnthropicAdapter struct {
	name   string
	cfg    config.ProviderConfig
	client *http.Client
}

func NewAnthropicAdapter(name string, cfg config.ProviderConfig, client *http.Client) *AnthropicAdapter {
	return &AnthropicAdapter{name: name, cfg: cfg, client: client}
}

func (a *AnthropicAdapter) Name() string { return a.name }

func (a *AnthropicAdapter) SupportsStreaming() bool { return true }

func (a *AnthropicAdapter) TransformRequest(ctx context.Context, req *types.ChatRequest, model string) (*http.Request, error) {
	// Convert OpenAI-format messages to Anthropic format
	var system []string
	var messages []anthropicMessage
	for _, m := range req.Messages {
		if m.Role == types.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		messages = append(messages, anthropicMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	// Sampling parameters are not part of the decoded view; read them from the
	// raw body. Anthropic requires max_tokens.
	raw := gjson.ParseBytes(req.Raw)
	maxTokens := defaultAnthropicMaxTokens
	if v := raw.Get("max_tokens"); v.Exists() {
		maxTokens = int(v.Int())
	}

	body := anthropicRequestBody{
		Model:       model,
		Messages:    messages,
		System:      strings.Join(system, "\n\n"),
		MaxTokens:   maxTokens,
		Stream:      req.Stream,
		Temperature: optionalFloat(raw.Get("temperature")),
		TopP:        optionalFloat(raw.Get("top_p")),
		Stop:        stopSequences(raw.Get("stop")),
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	url := strings.TrimRight(a.cfg.BaseURL, "/") + "/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.cfg.APIKey)
	for k, v := range a.cfg.Headers {
		if v != "" {
			httpReq.Header.Set(k, v)
		}
	}

	return httpReq, nil
}

func (a *AnthropicAdapter) TransformResponse(ctx context.Context, resp *http.Response) (*types.ChatResponse, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read anthropic response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{Provider: a.name, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var antResp anthropicResponseBody
	if err := json.Unmarshal(body, &antResp); err != nil {
		return nil, fmt.Errorf("unmarshal anthropic response: %w", err)
	}

	// Convert Anthropic response to the OpenAI chat.completion format
	var content strings.Builder
	for _, block := range antResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return types.NewChatResponse(antResp.ID, antResp.Model, a.name,
		[]types.Choice{
			{
				Index: 0,
				Message: types.Message{
					Role:    types.RoleAssistant,
					Content: content.String(),
				},
				FinishReason: mapStopReason(antResp.StopReason),
			},
		},
		types.Usage{
			PromptTokens:     antResp.Usage.InputTokens,
			CompletionTokens: antResp.Usage.OutputTokens,
			TotalTokens:      antResp.Usage.InputTokens + antResp.Usage.OutputTokens,
		},
	)
}

// TransformStreamChunk converts an Anthropic SSE data payload to OpenAI streaming format.
// Anthropic events: message_start, content_block_start, content_block_delta, message_delta, message_stop
// We convert content_block_delta (text) to an OpenAI delta chunk, and message_stop to [DONE].
func (a *AnthropicAdapter) TransformStreamChunk(chunk []byte) ([]byte, error) {
	var event struct {
		Type  string `json:"type"`
		Index int    `json:"index"`
		Delta struct {
			Type       string `json:"type"`
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
	}
	if err := json.Unmarshal(chunk, &event); err != nil {
		return nil, nil // skip unparseable chunks
	}

	switch event.Type {
	case "content_block_delta":
		if event.Delta.Type == "text_delta" {
			oaiChunk := openAIStreamChunk{
				Choices: []openAIStreamChoice{
					{
						Index: event.Index,
						Delta: openAIDelta{Content: event.Delta.Text},
					},
				},
			}
			data, err := json.Marshal(oaiChunk)
			if err != nil {
				return nil, fmt.Errorf("marshal openai chunk: %w", err)
			}
			return data, nil
		}
		return nil, nil

	case "message_delta":
		// Final chunk with stop reason and usage
		finishReason := mapStopReason(event.Delta.StopReason)
		oaiChunk := openAIStreamChunk{
			Choices: []openAIStreamChoice{
				{
					Index:        0,
					Delta:        openAIDelta{},
					FinishReason: &finishReason,
				},
			},
		}
		data, err := json.Marshal(oaiChunk)
		if err != nil {
			return nil, fmt.Errorf("marshal openai finish chunk: %w", err)
		}
		return data, nil

	case "message_stop":
		// End of stream; the caller sends [DONE]
		return []byte("[DONE]"), nil

	default:
		// message_start, content_block_start, content_block_stop, ping
		return nil, nil
	}
}

func (a *AnthropicAdapter) SendRequest(req *http.Request) (*http.Response, error) {
	return a.client.Do(req)
}

// OpenAI streaming format types
type openAIStreamChunk struct {
	Choices []openAIStreamChoice `json:"choices"`
}

type openAIStreamChoice struct {
	Index        int         `json:"index"`
	Delta        openAIDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type openAIDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

func optionalFloat(v gjson.Result) *float64 {
	if v.Type != gjson.Number {
		return nil
	}
	f := v.Float()
	return &f
}

// stopSequences accepts the OpenAI stop field as a string or an array.
func stopSequences(v gjson.Result) []string {
	switch {
	case v.IsArray():
		var out []string
		for _, s := range v.Array() {
			out = append(out, s.String())
		}
		return out
	case v.Type == gjson.String:
		return []string{v.String()}
	}
	return nil
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn":
		return "stop"
	case "max_tokens":
		return "length"
	case "stop_sequence":
		return "stop"
	default:
		return reason
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequestBody struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Stream      bool               `json:"stream,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stop        []string           `json:"stop_sequences,omitempty"`
}

type anthropicResponseBody struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
