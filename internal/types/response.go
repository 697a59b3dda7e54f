package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// ChatResponse is the gateway's view of a model response on its way back to
// the client. Raw is what gets written out; the typed fields are for logs and
// metrics.
type ChatResponse struct {
	RequestID string   `json:"-"`
	ID        string   `json:"id"`
	Model     string   `json:"model"`
	Provider  string   `json:"-"`
	Choices   []Choice `json:"choices"`
	Usage     Usage    `json:"usage"`

	Raw []byte `json:"-"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ParseChatResponse wraps a response body. Only validity is required; any
// JSON value is accepted since outlet bodies vary between hosts.
func ParseChatResponse(body []byte) (*ChatResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("parse chat response: invalid JSON")
	}
	root := gjson.ParseBytes(body)
	resp := &ChatResponse{
		ID:    root.Get("id").String(),
		Model: root.Get("model").String(),
		Raw:   body,
	}
	for _, c := range root.Get("choices").Array() {
		resp.Choices = append(resp.Choices, Choice{
			Index: int(c.Get("index").Int()),
			Message: Message{
				Role:    c.Get("message.role").String(),
				Content: c.Get("message.content").String(),
			},
			FinishReason: c.Get("finish_reason").String(),
		})
	}
	resp.Usage.PromptTokens = int(root.Get("usage.prompt_tokens").Int())
	resp.Usage.CompletionTokens = int(root.Get("usage.completion_tokens").Int())
	resp.Usage.TotalTokens = int(root.Get("usage.total_tokens").Int())
	return resp, nil
}

// NewChatResponse builds a response from typed fields, rendering Raw in the
// OpenAI chat.completion format. Adapters for non-OpenAI providers use it.
func NewChatResponse(id, model, provider string, choices []Choice, usage Usage) (*ChatResponse, error) {
	resp := &ChatResponse{ID: id, Model: model, Provider: provider, Choices: choices, Usage: usage}
	raw, err := json.Marshal(struct {
		ID      string   `json:"id"`
		Object  string   `json:"object"`
		Created int64    `json:"created"`
		Model   string   `json:"model"`
		Choices []Choice `json:"choices"`
		Usage   Usage    `json:"usage"`
	}{id, "chat.completion", time.Now().Unix(), model, choices, usage})
	if err != nil {
		return nil, fmt.Errorf("marshal chat response: %w", err)
	}
	resp.Raw = raw
	return resp, nil
}
