package rewrite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/af-corp/rewrite-gateway/internal/config"
	"github.com/af-corp/rewrite-gateway/internal/filter"
	"github.com/af-corp/rewrite-gateway/internal/llm"
	"github.com/af-corp/rewrite-gateway/internal/types"
)

// fakeGenerator returns fixed fragments and records what it was sent.
type fakeGenerator struct {
	frags []string
	err   error
	calls int
	got   []llm.Message
}

func (g *fakeGenerator) Name() string { return "fake" }

func (g *fakeGenerator) ChatStream(_ context.Context, _ string, msgs []llm.Message) (*llm.Stream, error) {
	g.calls++
	g.got = msgs
	if g.err != nil {
		return nil, g.err
	}
	i := 0
	return llm.NewStream(func() (string, bool, error) {
		if i >= len(g.frags) {
			return "", true, nil
		}
		i++
		return g.frags[i-1], false, nil
	}, nil), nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCfg() config.QueryRewriteConfig {
	return config.DefaultQueryRewriteConfig()
}

func newTestFilter(t *testing.T, cfg config.QueryRewriteConfig, gen llm.Generator) *Filter {
	t.Helper()
	f, err := New(cfg, WithGenerator(gen), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func parse(t *testing.T, body string) *types.ChatRequest {
	t.Helper()
	req, err := types.ParseChatRequest([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return req
}

func TestInlet_RewritesLastUserMessage(t *testing.T) {
	gen := &fakeGenerator{frags: []string{"cats OR felines", " OR kittens"}}
	f := newTestFilter(t, testCfg(), gen)

	body := `{"model":"ihsgpt","messages":[{"role":"system","content":"You are helpful."},{"role":"user","content":"cats"}],"chat_id":"c-1"}`
	req := parse(t, body)

	res := f.Inlet(context.Background(), req)
	if res.Action != filter.ActionRewrite {
		t.Fatalf("expected rewrite, got %s (%s)", res.Action, res.Message)
	}
	if req.Messages[1].Content != "cats OR felines OR kittens" {
		t.Errorf("unexpected content %q", req.Messages[1].Content)
	}
	want := strings.Replace(body, `"content":"cats"`, `"content":"cats OR felines OR kittens"`, 1)
	if string(req.Raw) != want {
		t.Errorf("raw body mismatch\n got: %s\nwant: %s", req.Raw, want)
	}

	if len(gen.got) != 2 || gen.got[0].Role != "system" || gen.got[1].Content != "Query: cats" {
		t.Errorf("unexpected prompt: %+v", gen.got)
	}
}

func TestInlet_OnlyLatestUserMessageChanges(t *testing.T) {
	gen := &fakeGenerator{frags: []string{"dogs and puppies"}}
	f := newTestFilter(t, testCfg(), gen)

	body := `{"model":"m","messages":[{"role":"user","content":"cats"},{"role":"assistant","content":"meow"},{"role":"user","content":"dogs"},{"role":"assistant","content":"pending"}]}`
	req := parse(t, body)

	if res := f.Inlet(context.Background(), req); res.Action != filter.ActionRewrite {
		t.Fatalf("expected rewrite, got %s", res.Action)
	}
	want := strings.Replace(body, `"content":"dogs"`, `"content":"dogs and puppies"`, 1)
	if string(req.Raw) != want {
		t.Errorf("raw body mismatch\n got: %s\nwant: %s", req.Raw, want)
	}
}

func TestInlet_NoUserMessage(t *testing.T) {
	tests := []string{
		`{"model":"m","messages":[]}`,
		`{"model":"m"}`,
		`{"model":"m","messages":[{"role":"system","content":"s"},{"role":"assistant","content":"a"}]}`,
		`{"model":"m","messages":[{"role":"user","content":"   "}]}`,
	}
	for _, body := range tests {
		gen := &fakeGenerator{frags: []string{"x"}}
		f := newTestFilter(t, testCfg(), gen)
		req := parse(t, body)

		res := f.Inlet(context.Background(), req)
		if res.Action != filter.ActionPass {
			t.Errorf("%s: expected pass, got %s", body, res.Action)
		}
		if string(req.Raw) != body {
			t.Errorf("%s: body changed to %s", body, req.Raw)
		}
		if gen.calls != 0 {
			t.Errorf("%s: backend should not be called", body)
		}
	}
}

func TestInlet_SkipHeuristics(t *testing.T) {
	tests := []struct {
		query string
		rule  string
	}{
		{"### Task: summarise the chat", "delimiter_prefix"},
		{"  ### header", "delimiter_prefix"},
		{`{"query":"cats"}`, "json_prefix"},
		{"explain\n```go\nfmt.Println()\n```", "code_fence"},
		{"Task: generate a title", "task_marker"},
		{"cats AND dogs", "boolean_operator"},
		{"cats OR felines", "boolean_operator"},
		{"NOT dogs", "boolean_operator"},
		{"cats (felines)", "parentheses"},
		{"use `grep` here", "backtick"},
	}
	for _, tt := range tests {
		gen := &fakeGenerator{frags: []string{"rewritten"}}
		f := newTestFilter(t, testCfg(), gen)
		req := parse(t, `{"model":"m","messages":[{"role":"user","content":"placeholder"}]}`)
		if err := req.SetContent(0, tt.query); err != nil {
			t.Fatalf("SetContent: %v", err)
		}
		before := string(req.Raw)

		res := f.Inlet(context.Background(), req)
		if res.Action != filter.ActionSkip {
			t.Errorf("%q: expected skip, got %s", tt.query, res.Action)
			continue
		}
		if res.Rule != tt.rule {
			t.Errorf("%q: expected rule %s, got %s", tt.query, tt.rule, res.Rule)
		}
		if gen.calls != 0 {
			t.Errorf("%q: backend should not be called", tt.query)
		}
		if string(req.Raw) != before {
			t.Errorf("%q: body changed", tt.query)
		}
	}
}

func TestInlet_NotSkipped(t *testing.T) {
	tests := []string{
		"what is the weather in oslo",
		"cats and dogs or birds",
		"ORACLE database tuning",
		"tell me about task management",
	}
	for _, q := range tests {
		s := NewHeuristicSkipper()
		if skip, rule := s.Skip(context.Background(), SkipInput{Query: q}); skip {
			t.Errorf("%q: unexpected skip by %s", q, rule)
		}
	}
}

func TestInlet_NeverSkipPolicy(t *testing.T) {
	cfg := testCfg()
	cfg.SkipPolicy = config.SkipNever
	gen := &fakeGenerator{frags: []string{"cats OR felines OR kittens"}}
	f := newTestFilter(t, cfg, gen)

	req := parse(t, `{"model":"m","messages":[{"role":"user","content":"cats AND dogs"}]}`)
	if res := f.Inlet(context.Background(), req); res.Action != filter.ActionRewrite {
		t.Fatalf("expected rewrite with never policy, got %s", res.Action)
	}
	if gen.calls != 1 {
		t.Errorf("expected 1 backend call, got %d", gen.calls)
	}
}

func TestInlet_FallbackOnFailure(t *testing.T) {
	tests := []struct {
		name string
		gen  *fakeGenerator
	}{
		{"transport error", &fakeGenerator{err: errors.New("connection refused")}},
		{"empty result", &fakeGenerator{frags: []string{"  ", "\n"}}},
		{"no fragments", &fakeGenerator{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFilter(t, testCfg(), tt.gen)
			body := `{"model":"m","messages":[{"role":"user","content":"cats"}]}`
			req := parse(t, body)

			res := f.Inlet(context.Background(), req)
			if res.Action != filter.ActionFallback {
				t.Errorf("expected fallback, got %s", res.Action)
			}
			if string(req.Raw) != body || req.Messages[0].Content != "cats" {
				t.Errorf("request changed on failure: %s", req.Raw)
			}
		})
	}
}

func TestInlet_Disabled(t *testing.T) {
	cfg := testCfg()
	cfg.Enabled = false
	gen := &fakeGenerator{frags: []string{"x"}}
	f := newTestFilter(t, cfg, gen)

	req := parse(t, `{"model":"m","messages":[{"role":"user","content":"cats"}]}`)
	if res := f.Inlet(context.Background(), req); res.Action != filter.ActionPass {
		t.Errorf("expected pass when disabled, got %s", res.Action)
	}
	if gen.calls != 0 {
		t.Error("backend should not be called when disabled")
	}
}

func TestInlet_IncludesHistory(t *testing.T) {
	cfg := testCfg()
	cfg.IncludeHistory = true
	cfg.HistoryTurns = 2
	gen := &fakeGenerator{frags: []string{"pricing of the premium plan"}}
	f := newTestFilter(t, cfg, gen)

	req := parse(t, `{"model":"m","messages":[{"role":"user","content":"plans?"},{"role":"assistant","content":"basic and premium"},{"role":"user","content":"what about premium"},{"role":"assistant","content":"it is good"},{"role":"user","content":"price?"}]}`)
	f.Inlet(context.Background(), req)

	want := "Conversation so far:\nuser: what about premium\nassistant: it is good\n\nQuery: price?"
	if len(gen.got) != 2 || gen.got[1].Content != want {
		t.Errorf("unexpected user prompt:\n%q\nwant:\n%q", gen.got[1].Content, want)
	}
}

func TestOutlet_Identity(t *testing.T) {
	f := newTestFilter(t, testCfg(), &fakeGenerator{})
	body := `{"id":"r1","choices":[{"message":{"role":"assistant","content":"hi"}}],"extra":true}`
	resp, err := types.ParseChatResponse([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	res := f.Outlet(context.Background(), resp)
	if res.Action != filter.ActionPass {
		t.Errorf("expected pass, got %s", res.Action)
	}
	if string(resp.Raw) != body {
		t.Errorf("outlet modified response: %s", resp.Raw)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testCfg()
	cfg.Backend = "bogus"
	if _, err := New(cfg, WithLogger(quietLogger())); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestNew_ConfigIsCopied(t *testing.T) {
	cfg := testCfg()
	cfg.Pipelines = []string{"a"}
	f := newTestFilter(t, cfg, &fakeGenerator{})

	cfg.Pipelines[0] = "b"
	if f.Pipelines()[0] != "a" {
		t.Error("filter must not observe later changes to its config")
	}
	got := f.Config()
	got.Pipelines[0] = "c"
	if f.Pipelines()[0] != "a" {
		t.Error("Config() must return a copy")
	}
}

// TestInlet_OllamaEndToEnd runs the filter against a fake Ollama server.
func TestInlet_OllamaEndToEnd(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantAction filter.Action
		wantText   string
	}{
		{
			name:       "ndjson",
			status:     http.StatusOK,
			body:       `{"message":{"content":"Hello"}}` + "\n" + `{"message":{"content":" world"}}`,
			wantAction: filter.ActionRewrite,
			wantText:   "Hello world",
		},
		{
			name:       "non-200",
			status:     http.StatusInternalServerError,
			body:       `{"error":"boom"}`,
			wantAction: filter.ActionFallback,
			wantText:   "cats",
		},
		{
			name:       "malformed",
			status:     http.StatusOK,
			body:       "not json at all",
			wantAction: filter.ActionFallback,
			wantText:   "cats",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			cfg := testCfg()
			cfg.BaseURL = srv.URL
			cfg.Timeout = 2 * time.Second
			f, err := New(cfg, WithLogger(quietLogger()))
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			req := parse(t, `{"model":"m","messages":[{"role":"system","content":"s"},{"role":"user","content":"cats"}]}`)
			res := f.Inlet(context.Background(), req)
			if res.Action != tt.wantAction {
				t.Errorf("expected %s, got %s (%s)", tt.wantAction, res.Action, res.Message)
			}
			if req.Messages[1].Content != tt.wantText {
				t.Errorf("expected %q, got %q", tt.wantText, req.Messages[1].Content)
			}
			if req.Messages[0].Content != "s" {
				t.Error("system message changed")
			}
		})
	}
}
