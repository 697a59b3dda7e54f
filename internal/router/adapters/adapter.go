package adapters

import (
	"context"
	"fmt"
	"net/http"

	"github.com/af-corp/rewrite-gateway/internal/types"
)

// ProviderAdapter transforms requests/responses between the gateway's
// OpenAI-shaped requests and provider-specific API formats.
type ProviderAdapter interface {
	Name() string
	// TransformRequest builds the upstream request for req, addressed to the
	// provider's own model id. req is not modified.
	TransformRequest(ctx context.Context, req *types.ChatRequest, model string) (*http.Request, error)
	TransformResponse(ctx context.Context, resp *http.Response) (*types.ChatResponse, error)
	TransformStreamChunk(chunk []byte) ([]byte, error)
	SupportsStreaming() bool
	// SendRequest sends an HTTP request using the provider's configured client.
	SendRequest(req *http.Request) (*http.Response, error)
}

// UpstreamError is returned when a provider answers with a non-200 status.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Retryable reports whether the failure says something about provider health.
func (e *UpstreamError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
