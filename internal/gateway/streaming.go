package gateway

import (
	"bufio"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/af-corp/rewrite-gateway/internal/httputil"
	"github.com/af-corp/rewrite-gateway/internal/router/adapters"
	"github.com/af-corp/rewrite-gateway/internal/types"
)

// streamedCompletion accumulates the OpenAI-format chunks sent to the client
// so the outlet chain can see the finished completion.
type streamedCompletion struct {
	id           string
	model        string
	finishReason string
	content      strings.Builder
	usage        types.Usage
	chunks       int
	done         bool
}

func (s *streamedCompletion) observe(chunk []byte) {
	root := gjson.ParseBytes(chunk)
	s.chunks++
	if s.id == "" {
		s.id = root.Get("id").String()
	}
	if s.model == "" {
		s.model = root.Get("model").String()
	}
	s.content.WriteString(root.Get("choices.0.delta.content").String())
	if fr := root.Get("choices.0.finish_reason").String(); fr != "" {
		s.finishReason = fr
	}
	// usage arrives on the last chunk when the client asked for it
	if u := root.Get("usage"); u.IsObject() {
		s.usage = types.Usage{
			PromptTokens:     int(u.Get("prompt_tokens").Int()),
			CompletionTokens: int(u.Get("completion_tokens").Int()),
			TotalTokens:      int(u.Get("total_tokens").Int()),
		}
	}
}

// response renders the accumulated stream as a chat.completion.
func (s *streamedCompletion) response(reqID, provider string) (*types.ChatResponse, error) {
	resp, err := types.NewChatResponse(s.id, s.model, provider, []types.Choice{{
		Message:      types.Message{Role: types.RoleAssistant, Content: s.content.String()},
		FinishReason: s.finishReason,
	}}, s.usage)
	if err != nil {
		return nil, err
	}
	resp.RequestID = reqID
	return resp, nil
}

// streamSSE relays provider SSE events to the client, passing each data
// payload through the adapter's TransformStreamChunk. It returns what was
// relayed, or nil when the writer cannot stream.
func streamSSE(w http.ResponseWriter, reqID string, providerResp *http.Response, adapter adapters.ProviderAdapter, logger *slog.Logger) *streamedCompletion {
	defer providerResp.Body.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteInternalError(w, reqID, "Streaming not supported")
		return nil
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Request-ID", reqID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	out := &streamedCompletion{}
	emit := func(format string, args ...any) {
		fmt.Fprintf(w, format, args...)
		flusher.Flush()
	}

	scanner := bufio.NewScanner(providerResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, isData := strings.CutPrefix(line, "data: ")
		if !isData {
			if line == "" || strings.HasPrefix(line, "event: ") {
				emit("%s\n", line)
			}
			continue
		}
		if data == "[DONE]" {
			out.done = true
			emit("data: [DONE]\n\n")
			return out
		}

		chunk, err := adapter.TransformStreamChunk([]byte(data))
		switch {
		case err != nil:
			logger.Error("failed to transform stream chunk", "error", err, "provider", adapter.Name())
			continue
		case chunk == nil:
			// dropped by the adapter, e.g. Anthropic ping events
			continue
		case string(chunk) == "[DONE]":
			out.done = true
			emit("data: [DONE]\n\n")
			return out
		}

		out.observe(chunk)
		emit("data: %s\n\n", chunk)
	}
	if err := scanner.Err(); err != nil {
		logger.Error("error reading stream", "error", err, "provider", adapter.Name())
	}
	return out
}
