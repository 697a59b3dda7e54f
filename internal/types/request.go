package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrInvalidRequest is returned when a request body is not a JSON object.
var ErrInvalidRequest = errors.New("request body must be a JSON object")

// ChatRequest is the canonical internal view of an incoming chat request.
// Raw is the body exactly as received; Model, Messages and Stream are decoded
// from it. Every mutation goes through SetContent or SetModel so that fields the
// gateway does not know about are forwarded byte for byte.
type ChatRequest struct {
	RequestID  string    `json:"-"`
	ReceivedAt time.Time `json:"-"`

	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`

	Raw []byte `json:"-"`

	// contentPaths[i] is the sjson path of the text of Messages[i] inside Raw,
	// empty when the message carries no text part.
	contentPaths []string
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ParseChatRequest decodes a chat request body. A body that is itself a JSON
// string holding an object is unwrapped first, as some hosts double-encode it.
func ParseChatRequest(body []byte) (*ChatRequest, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("parse chat request: %w", ErrInvalidRequest)
	}
	root := gjson.ParseBytes(body)
	if root.Type == gjson.String {
		inner := []byte(root.String())
		if !gjson.ValidBytes(inner) {
			return nil, fmt.Errorf("parse chat request: %w", ErrInvalidRequest)
		}
		body = inner
		root = gjson.ParseBytes(body)
	}
	if !root.IsObject() {
		return nil, fmt.Errorf("parse chat request: %w", ErrInvalidRequest)
	}

	req := &ChatRequest{
		Model:  root.Get("model").String(),
		Stream: root.Get("stream").Bool(),
		Raw:    body,
	}

	msgs := root.Get("messages")
	if msgs.Exists() && !msgs.IsArray() {
		return nil, fmt.Errorf("parse chat request: messages must be an array")
	}
	for i, m := range msgs.Array() {
		text, path := messageText(m.Get("content"), "messages."+strconv.Itoa(i)+".content")
		req.Messages = append(req.Messages, Message{
			Role:    m.Get("role").String(),
			Content: text,
			Name:    m.Get("name").String(),
		})
		req.contentPaths = append(req.contentPaths, path)
	}
	return req, nil
}

// messageText extracts the logical text of a message content value. String
// content is used directly; array content uses the first part of type "text".
func messageText(content gjson.Result, path string) (string, string) {
	if !content.IsArray() {
		return content.String(), path
	}
	for j, part := range content.Array() {
		if part.Get("type").String() == "text" {
			return part.Get("text").String(), path + "." + strconv.Itoa(j) + ".text"
		}
	}
	return "", ""
}

// LastUserIndex returns the index of the most recent user message, or -1.
func (r *ChatRequest) LastUserIndex() int {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

// History returns up to turns user/assistant messages that precede index i,
// oldest first.
func (r *ChatRequest) History(i, turns int) []Message {
	if turns <= 0 || i <= 0 || i > len(r.Messages) {
		return nil
	}
	var out []Message
	for j := i - 1; j >= 0 && len(out) < turns; j-- {
		m := r.Messages[j]
		if m.Role != RoleUser && m.Role != RoleAssistant {
			continue
		}
		out = append(out, m)
	}
	for a, b := 0, len(out)-1; a < b; a, b = a+1, b-1 {
		out[a], out[b] = out[b], out[a]
	}
	return out
}

// SetContent replaces the text of message i in both the decoded view and Raw.
func (r *ChatRequest) SetContent(i int, text string) error {
	if i < 0 || i >= len(r.Messages) {
		return fmt.Errorf("set content: message index %d out of range", i)
	}
	path := r.contentPaths[i]
	if path == "" {
		return fmt.Errorf("set content: message %d has no text part", i)
	}
	raw, err := sjson.SetBytes(r.Raw, path, text)
	if err != nil {
		return fmt.Errorf("set content: %w", err)
	}
	r.Raw = raw
	r.Messages[i].Content = text
	return nil
}

// SetModel replaces the model identifier in both the decoded view and Raw.
func (r *ChatRequest) SetModel(model string) error {
	raw, err := sjson.SetBytes(r.Raw, "model", model)
	if err != nil {
		return fmt.Errorf("set model: %w", err)
	}
	r.Raw = raw
	r.Model = model
	return nil
}

// MarshalJSON emits the raw body so passthrough fields survive re-encoding.
func (r *ChatRequest) MarshalJSON() ([]byte, error) {
	if len(r.Raw) == 0 {
		type plain struct {
			Model    string    `json:"model"`
			Messages []Message `json:"messages"`
			Stream   bool      `json:"stream,omitempty"`
		}
		return json.Marshal(plain{Model: r.Model, Messages: r.Messages, Stream: r.Stream})
	}
	return r.Raw, nil
}
