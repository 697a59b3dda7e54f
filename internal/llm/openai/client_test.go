package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/af-corp/rewrite-gateway/internal/llm"
)

func sseServer(t *testing.T, status int, events []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &body)
		if !body.Stream || body.Model != "qwen2.5" {
			t.Errorf("unexpected request: %s", data)
		}

		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			io.WriteString(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			io.WriteString(w, "data: "+e+"\n\n")
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func chunk(content string) string {
	return `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"qwen2.5","choices":[{"index":0,"delta":{"content":` +
		quote(content) + `}}]}`
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestChatStream(t *testing.T) {
	srv := sseServer(t, http.StatusOK, []string{chunk("Hello"), chunk(" world")})

	c := NewClient(srv.URL+"/v1", "", 5*time.Second)
	stream, err := c.ChatStream(context.Background(), "qwen2.5", []llm.Message{{Role: "user", Content: "Query: x"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text, err := llm.Collect(stream)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if text != "Hello world" {
		t.Errorf("expected 'Hello world', got %q", text)
	}
}

func TestChatStream_ErrorStatus(t *testing.T) {
	srv := sseServer(t, http.StatusUnauthorized, nil)

	c := NewClient(srv.URL+"/v1", "bad", 5*time.Second)
	if _, err := c.ChatStream(context.Background(), "qwen2.5", nil); err == nil {
		t.Error("expected error for 401")
	}
}
