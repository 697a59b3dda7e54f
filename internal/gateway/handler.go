package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/af-corp/rewrite-gateway/internal/auth"
	"github.com/af-corp/rewrite-gateway/internal/config"
	"github.com/af-corp/rewrite-gateway/internal/filter"
	"github.com/af-corp/rewrite-gateway/internal/httputil"
	"github.com/af-corp/rewrite-gateway/internal/router"
	"github.com/af-corp/rewrite-gateway/internal/router/adapters"
	"github.com/af-corp/rewrite-gateway/internal/telemetry"
	"github.com/af-corp/rewrite-gateway/internal/types"
)

const (
	endpointChat   = "chat_completions"
	endpointInlet  = "filter_inlet"
	endpointOutlet = "filter_outlet"

	maxBodyBytes = 10 << 20
)

// FilterFactory builds a filter from a full set of valves. The pipelines
// valves/update endpoint uses it to replace a filter after a change.
type FilterFactory func(cfg config.QueryRewriteConfig) (filter.Filter, error)

// Deps holds everything the gateway handlers need. Providers, Health and
// Models may be nil when only the pipelines surface is served.
type Deps struct {
	Filters   *filter.Registry
	Factory   FilterFactory
	Providers *router.Registry
	Health    *router.HealthTracker
	Models    func() *config.ModelsConfig
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger

	// ConfigDir anchors relative paths in valves updates.
	ConfigDir string
}

// Handler holds dependencies for the gateway HTTP handlers.
type Handler struct {
	filters   *filter.Registry
	factory   FilterFactory
	providers *router.Registry
	health    *router.HealthTracker
	models    func() *config.ModelsConfig
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	configDir string
}

func NewHandler(d Deps) *Handler {
	if d.Filters == nil {
		d.Filters = filter.NewRegistry(nil)
	}
	if d.Providers == nil {
		d.Providers = router.NewRegistry()
	}
	if d.Models == nil {
		d.Models = func() *config.ModelsConfig { return nil }
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Handler{
		filters:   d.Filters,
		factory:   d.Factory,
		providers: d.Providers,
		health:    d.Health,
		models:    d.Models,
		metrics:   d.Metrics,
		logger:    d.Logger,
		configDir: d.ConfigDir,
	}
}

// ChatCompletions handles POST /v1/chat/completions
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	receivedAt := time.Now()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "Failed to read request body")
		return
	}
	defer r.Body.Close()

	req, err := types.ParseChatRequest(body)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}
	req.RequestID = reqID
	req.ReceivedAt = receivedAt

	if req.Model == "" {
		httputil.WriteBadRequestError(w, reqID, "model is required")
		return
	}
	if len(req.Messages) == 0 {
		httputil.WriteBadRequestError(w, reqID, "messages is required")
		return
	}

	authInfo, _ := auth.AuthFromContext(r.Context())
	if !authInfo.ModelAllowed(req.Model) {
		httputil.WriteForbiddenError(w, reqID, "API key is not allowed to use model "+req.Model)
		return
	}

	logger := h.logger.With("request_id", reqID, "model", req.Model)

	for _, res := range h.filters.Chain().Inlet(r.Context(), req) {
		h.metrics.RecordFilterAction(res.FilterName, string(res.Action))
	}

	adapter, providerModel, err := router.ResolveRoute(h.models(), h.providers, h.health, req.Model)
	if err != nil {
		h.recordRequest(endpointChat, req.Model, "", statusFor(err), receivedAt, nil)
		if errors.Is(err, router.ErrUnknownModel) {
			httputil.WriteNotFoundError(w, reqID, "Unknown model: "+req.Model)
			return
		}
		httputil.WriteServiceUnavailableError(w, reqID, "No provider available: "+err.Error())
		return
	}

	providerReq, err := adapter.TransformRequest(r.Context(), req, providerModel)
	if err != nil {
		logger.Error("failed to transform request", "error", err, "provider", adapter.Name())
		httputil.WriteInternalError(w, reqID, "Failed to prepare provider request")
		return
	}

	if req.Stream {
		h.handleStream(r.Context(), w, reqID, providerReq, adapter, req.Model, logger)
		return
	}

	providerResp, err := adapter.SendRequest(providerReq)
	if err != nil {
		logger.Error("provider request failed", "error", err, "provider", adapter.Name())
		h.recordFailure(adapter.Name(), err)
		h.recordRequest(endpointChat, req.Model, adapter.Name(), "502", receivedAt, nil)
		httputil.WriteBadGatewayError(w, reqID, "Provider request failed")
		return
	}

	resp, err := adapter.TransformResponse(r.Context(), providerResp)
	if err != nil {
		h.recordFailure(adapter.Name(), err)
		var ue *adapters.UpstreamError
		if errors.As(err, &ue) {
			logger.Error("provider returned error", "provider", adapter.Name(), "status", ue.StatusCode, "body", ue.Body)
			status := http.StatusBadGateway
			if !ue.Retryable() {
				status = ue.StatusCode
			}
			h.recordRequest(endpointChat, req.Model, adapter.Name(), strconv.Itoa(status), receivedAt, nil)
			httputil.WriteError(w, reqID, status, "upstream_error", "provider_error", "Provider returned status "+http.StatusText(ue.StatusCode))
			return
		}
		logger.Error("failed to transform response", "error", err, "provider", adapter.Name())
		httputil.WriteInternalError(w, reqID, "Failed to process provider response")
		return
	}
	if h.health != nil {
		h.health.RecordSuccess(adapter.Name())
	}
	resp.RequestID = reqID

	for _, res := range h.filters.Chain().Outlet(r.Context(), req.Model, resp) {
		h.metrics.RecordFilterAction(res.FilterName, string(res.Action))
	}

	duration := time.Since(receivedAt)
	logger.Info("request completed",
		"model_served", resp.Model,
		"provider", resp.Provider,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"total_tokens", resp.Usage.TotalTokens,
		"duration_ms", duration.Milliseconds(),
		"status_code", http.StatusOK,
		"stream", false,
	)
	h.recordRequest(endpointChat, req.Model, resp.Provider, "200", receivedAt, resp)

	w.Header().Set("X-Request-ID", reqID)
	httputil.WriteRawJSON(w, http.StatusOK, resp.Raw)
}

// handleStream sends the request to the provider and forwards SSE chunks to
// the client. The outlet chain sees the assembled completion once the stream
// ends; by then the bytes are on the wire, so outlet changes are not relayed.
func (h *Handler) handleStream(ctx context.Context, w http.ResponseWriter, reqID string, providerReq *http.Request, adapter adapters.ProviderAdapter, model string, logger *slog.Logger) {
	start := time.Now()
	providerResp, err := adapter.SendRequest(providerReq)
	if err != nil {
		logger.Error("streaming provider request failed", "error", err, "provider", adapter.Name())
		h.recordFailure(adapter.Name(), err)
		h.recordRequest(endpointChat, model, adapter.Name(), "502", start, nil)
		httputil.WriteBadGatewayError(w, reqID, "Provider request failed")
		return
	}

	if providerResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(providerResp.Body, 4096))
		providerResp.Body.Close()
		ue := &adapters.UpstreamError{Provider: adapter.Name(), StatusCode: providerResp.StatusCode, Body: string(body)}
		h.recordFailure(adapter.Name(), ue)
		logger.Error("streaming provider returned error",
			"status", providerResp.StatusCode,
			"provider", adapter.Name(),
			"body", ue.Body,
		)
		h.recordRequest(endpointChat, model, adapter.Name(), "502", start, nil)
		httputil.WriteBadGatewayError(w, reqID, "Provider returned error")
		return
	}
	if h.health != nil {
		h.health.RecordSuccess(adapter.Name())
	}

	logger.Info("streaming started", "provider", adapter.Name())
	streamed := streamSSE(w, reqID, providerResp, adapter, logger)
	if streamed == nil {
		h.recordRequest(endpointChat, model, adapter.Name(), "500", start, nil)
		return
	}

	resp, err := streamed.response(reqID, adapter.Name())
	if err != nil {
		logger.Error("failed to assemble streamed response", "error", err, "provider", adapter.Name())
	} else {
		for _, res := range h.filters.Chain().Outlet(ctx, model, resp) {
			h.metrics.RecordFilterAction(res.FilterName, string(res.Action))
		}
	}

	logger.Info("request completed",
		"provider", adapter.Name(),
		"chunks", streamed.chunks,
		"completed", streamed.done,
		"duration_ms", time.Since(start).Milliseconds(),
		"status_code", http.StatusOK,
		"stream", true,
	)
	h.recordRequest(endpointChat, model, adapter.Name(), "200", start, resp)
}

// recordFailure counts transport errors and retryable upstream statuses
// against the provider's circuit. Client errors do not trip it.
func (h *Handler) recordFailure(provider string, err error) {
	if h.health == nil {
		return
	}
	var ue *adapters.UpstreamError
	if errors.As(err, &ue) && !ue.Retryable() {
		return
	}
	h.health.RecordFailure(provider)
}

func (h *Handler) recordRequest(endpoint, model, provider, status string, start time.Time, resp *types.ChatResponse) {
	labels := telemetry.RequestLabels{
		Endpoint:   endpoint,
		Model:      model,
		Provider:   provider,
		Status:     status,
		DurationMs: float64(time.Since(start).Milliseconds()),
	}
	if resp != nil {
		labels.PromptTokens = resp.Usage.PromptTokens
		labels.CompletionTokens = resp.Usage.CompletionTokens
	}
	h.metrics.RecordRequest(labels)
}

func statusFor(err error) string {
	if errors.Is(err, router.ErrUnknownModel) {
		return "404"
	}
	return "503"
}
