package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/af-corp/rewrite-gateway/internal/llm"
)

func newServer(t *testing.T, status int, body string) (*httptest.Server, *chatRequest) {
	t.Helper()
	got := &chatRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		data, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(data, got); err != nil {
			t.Errorf("request body is not JSON: %v", err)
		}
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestChatStream_NDJSON(t *testing.T) {
	body := `{"message":{"role":"assistant","content":"Hello"},"done":false}` + "\n" +
		`{"message":{"role":"assistant","content":" world"},"done":false}` + "\n" +
		`{"message":{"role":"assistant","content":""},"done":true}` + "\n"
	srv, got := newServer(t, http.StatusOK, body)

	c := NewClient(srv.URL+"/", 5*time.Second)
	stream, err := c.ChatStream(context.Background(), "llama3.2", []llm.Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "Query: cats"},
	})
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
	if got.Model != "llama3.2" || len(got.Messages) != 2 || got.Messages[1].Content != "Query: cats" {
		t.Errorf("unexpected request payload: %+v", got)
	}
}

func TestChatStream_NoTrailingNewline(t *testing.T) {
	body := `{"message":{"content":"Hello"}}` + "\n" + `{"message":{"content":" world"}}`
	srv, _ := newServer(t, http.StatusOK, body)

	stream, err := NewClient(srv.URL, time.Second).ChatStream(context.Background(), "m", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text, err := llm.Collect(stream)
	if err != nil || text != "Hello world" {
		t.Errorf("Collect() = %q, %v", text, err)
	}
}

func TestChatStream_SinglePrettyObject(t *testing.T) {
	body := "{\n  \"message\": {\n    \"role\": \"assistant\",\n    \"content\": \"cats OR felines\"\n  },\n  \"done\": true\n}\n"
	srv, _ := newServer(t, http.StatusOK, body)

	stream, err := NewClient(srv.URL, time.Second).ChatStream(context.Background(), "m", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text, err := llm.Collect(stream)
	if err != nil || text != "cats OR felines" {
		t.Errorf("Collect() = %q, %v", text, err)
	}
}

func TestChatStream_NonOK(t *testing.T) {
	srv, _ := newServer(t, http.StatusNotFound, `{"error":"model not found"}`)

	_, err := NewClient(srv.URL, time.Second).ChatStream(context.Background(), "m", nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", se.StatusCode)
	}
}

func TestChatStream_Malformed(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK, `{"message":{"content":"Hel`+"\n"+`garbage`)

	stream, err := NewClient(srv.URL, time.Second).ChatStream(context.Background(), "m", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := llm.Collect(stream); err == nil {
		t.Error("expected decode error")
	}
}

func TestChatStream_ErrorChunk(t *testing.T) {
	body := `{"message":{"content":"partial"}}` + "\n" + `{"error":"out of memory"}` + "\n"
	srv, _ := newServer(t, http.StatusOK, body)

	stream, err := NewClient(srv.URL, time.Second).ChatStream(context.Background(), "m", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := llm.Collect(stream); err == nil {
		t.Error("expected error from error chunk")
	}
}

func TestChatStream_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if _, err := NewClient(url, time.Second).ChatStream(context.Background(), "m", nil); err == nil {
		t.Error("expected transport error")
	}
}

func TestChatStream_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 50*time.Millisecond)
	if _, err := c.ChatStream(context.Background(), "m", nil); err == nil {
		t.Error("expected timeout error")
	}
}

func TestChatStream_MalformedChunkShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unexpected object", `{"message":{"content":"Hello"}}` + "\n" + `{"unexpected":true}`},
		{"null chunk", `{"message":{"content":"Hello"}}` + "\n" + `null`},
		{"content not a string", `{"message":{"content":42}}`},
		{"message without content", `{"message":{"role":"assistant"}}`},
		{"array chunk", `[1,2]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newServer(t, http.StatusOK, tt.body)

			stream, err := NewClient(srv.URL, time.Second).ChatStream(context.Background(), "m", nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if text, err := llm.Collect(stream); err == nil {
				t.Errorf("expected error, got %q", text)
			}
		})
	}
}

func TestChatStream_DoneWithoutMessage(t *testing.T) {
	body := `{"message":{"content":"Hello"}}` + "\n" + `{"done":true,"total_duration":12}` + "\n"
	srv, _ := newServer(t, http.StatusOK, body)

	stream, err := NewClient(srv.URL, time.Second).ChatStream(context.Background(), "m", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text, err := llm.Collect(stream)
	if err != nil || text != "Hello" {
		t.Errorf("Collect() = %q, %v", text, err)
	}
}

func TestChatStream_MissingContentIsMalformed(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK, `{"unexpected":true}`)

	stream, err := NewClient(srv.URL, time.Second).ChatStream(context.Background(), "m", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := llm.Collect(stream); !errors.Is(err, ErrMalformedChunk) {
		t.Errorf("expected ErrMalformedChunk, got %v", err)
	}
}

func TestChatStream_NonOKTruncatedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, "short")
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).ChatStream(context.Background(), "m", nil)
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected *StatusError 500, got %v", err)
	}
	if !strings.Contains(err.Error(), "read ollama error body") {
		t.Errorf("expected read error to be reported, got %v", err)
	}
}
