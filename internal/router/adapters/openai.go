package adapters

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/af-corp/rewrite-gateway/internal/config"
	"github.com/af-corp/rewrite-gateway/internal/types"
)

// OpenAIAdapter handles communication with OpenAI-compatible APIs, which
// includes Ollama's /v1 endpoint. Since the gateway speaks the OpenAI format,
// the request body is forwarded as received with only the model replaced.
type OpenAIAdapter struct {
	name   string
	cfg    config.ProviderConfig
	client *http.Client
}

func NewOpenAIAdapter(name string, cfg config.ProviderConfig, client *http.Client) *OpenAIAdapter {
	return &OpenAIAdapter{name: name, cfg: cfg, client: client}
}

func (a *OpenAIAdapter) Name() string { return a.name }

func (a *OpenAIAdapter) SupportsStreaming() bool { return true }

func (a *OpenAIAdapter) TransformRequest(ctx context.Context, req *types.ChatRequest, model string) (*http.Request, error) {
	body, err := req.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal openai request: %w", err)
	}
	data, err := sjson.SetBytes(bytes.Clone(body), "model", model)
	if err != nil {
		return nil, fmt.Errorf("set upstream model: %w", err)
	}

	url := strings.TrimRight(a.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
	for k, v := range a.cfg.Headers {
		if v != "" {
			httpReq.Header.Set(k, v)
		}
	}

	return httpReq, nil
}

func (a *OpenAIAdapter) TransformResponse(ctx context.Context, resp *http.Response) (*types.ChatResponse, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read openai response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{Provider: a.name, StatusCode: resp.StatusCode, Body: string(body)}
	}

	chatResp, err := types.ParseChatResponse(body)
	if err != nil {
		return nil, fmt.Errorf("unmarshal openai response: %w", err)
	}
	chatResp.Provider = a.name
	return chatResp, nil
}

func (a *OpenAIAdapter) TransformStreamChunk(chunk []byte) ([]byte, error) {
	// OpenAI streaming chunks are already in the correct format
	return chunk, nil
}

func (a *OpenAIAdapter) SendRequest(req *http.Request) (*http.Response, error) {
	return a.client.Do(req)
}
