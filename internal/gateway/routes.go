package gateway

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/af-corp/rewrite-gateway/internal/httputil"
	"github.com/af-corp/rewrite-gateway/internal/router"
)

// Mount registers the pipelines surface at / and /v1, plus the chat proxy
// at /v1/chat/completions. Authentication is left to the caller.
func (h *Handler) Mount(r chi.Router) {
	pipelines := func(r chi.Router) {
		r.Get("/models", h.ListPipelines)
		r.Post("/{id}/filter/inlet", h.FilterInlet)
		r.Post("/{id}/filter/outlet", h.FilterOutlet)
		r.Get("/{id}/valves", h.GetValves)
		r.Get("/{id}/valves/spec", h.GetValvesSpec)
		r.Post("/{id}/valves/update", h.UpdateValves)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", h.ChatCompletions)
		pipelines(r)
	})
	pipelines(r)
}

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID propagates the caller's X-Request-ID or assigns a new one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = "req_" + uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the id assigned by RequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

type healthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Filters   []string          `json:"filters"`
	Providers map[string]string `json:"providers,omitempty"`
}

// Health reports liveness together with the loaded filters and the circuit
// state of every provider seen so far.
func (h *Handler) Health(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "healthy", Version: version, Filters: []string{}}
		for _, f := range h.filters.Chain().Filters() {
			resp.Filters = append(resp.Filters, f.Name())
		}
		if h.health != nil {
			resp.Providers = h.health.States()
			for _, state := range resp.Providers {
				if state == router.StateOpen.String() {
					resp.Status = "degraded"
				}
			}
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}
