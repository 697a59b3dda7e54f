package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/af-corp/rewrite-gateway/internal/config"
	"github.com/af-corp/rewrite-gateway/internal/filter"
	"github.com/af-corp/rewrite-gateway/internal/httputil"
	"github.com/af-corp/rewrite-gateway/internal/types"
)

const redacted = "********"

// valved is implemented by filters that expose adjustable settings.
type valved interface {
	filter.Filter
	Config() config.QueryRewriteConfig
}

type pipelineInfo struct {
	Type      string   `json:"type"`
	Pipelines []string `json:"pipelines"`
	Priority  int      `json:"priority"`
	Valves    bool     `json:"valves"`
}

type pipelineModel struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Object   string       `json:"object"`
	Pipeline pipelineInfo `json:"pipeline"`
}

type pipelineList struct {
	Data []pipelineModel `json:"data"`
}

// ListPipelines handles GET /models on the pipelines surface.
func (h *Handler) ListPipelines(w http.ResponseWriter, r *http.Request) {
	out := pipelineList{Data: []pipelineModel{}}
	for _, f := range h.filters.Chain().Filters() {
		name := f.Name()
		if t, ok := f.(interface{ DisplayName() string }); ok {
			name = t.DisplayName()
		}
		_, hasValves := f.(valved)
		out.Data = append(out.Data, pipelineModel{
			ID:     f.Name(),
			Name:   name,
			Object: "model",
			Pipeline: pipelineInfo{
				Type:      "filter",
				Pipelines: f.Pipelines(),
				Priority:  f.Priority(),
				Valves:    hasValves,
			},
		})
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// FilterInlet handles POST /{id}/filter/inlet. The host has already picked
// the filter, so its pipeline allow-list is not consulted.
func (h *Handler) FilterInlet(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	f, ok := h.lookupFilter(w, r)
	if !ok {
		return
	}
	form, ok := readForm(w, r, reqID)
	if !ok {
		return
	}

	req, err := types.ParseChatRequest([]byte(form.Get("body").Raw))
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid body: "+err.Error())
		return
	}
	req.RequestID = reqID

	res := f.Inlet(r.Context(), req)
	h.metrics.RecordFilterAction(res.FilterName, string(res.Action))
	h.logger.Debug("filter inlet",
		"request_id", reqID,
		"filter", f.Name(),
		"model", req.Model,
		"user", form.Get("user.id").String(),
		"action", string(res.Action),
		"rule", res.Rule,
	)

	httputil.WriteRawJSON(w, http.StatusOK, req.Raw)
}

// FilterOutlet handles POST /{id}/filter/outlet.
func (h *Handler) FilterOutlet(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	f, ok := h.lookupFilter(w, r)
	if !ok {
		return
	}
	form, ok := readForm(w, r, reqID)
	if !ok {
		return
	}

	raw := []byte(form.Get("body").Raw)
	resp, err := types.ParseChatResponse(raw)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid body: "+err.Error())
		return
	}
	resp.RequestID = reqID

	res := f.Outlet(r.Context(), resp)
	h.metrics.RecordFilterAction(res.FilterName, string(res.Action))

	httputil.WriteRawJSON(w, http.StatusOK, resp.Raw)
}

// GetValves handles GET /{id}/valves.
func (h *Handler) GetValves(w http.ResponseWriter, r *http.Request) {
	v, ok := h.lookupValved(w, r)
	if !ok {
		return
	}
	body, err := encodeValves(v.Config())
	if err != nil {
		httputil.WriteInternalError(w, w.Header().Get("X-Request-ID"), "Failed to encode valves")
		return
	}
	httputil.WriteRawJSON(w, http.StatusOK, body)
}

// GetValvesSpec handles GET /{id}/valves/spec.
func (h *Handler) GetValvesSpec(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.lookupValved(w, r); !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, valvesSpec(config.DefaultQueryRewriteConfig()))
}

// UpdateValves handles POST /{id}/valves/update. Fields absent from the
// body keep their current value; the filter is rebuilt and swapped in only
// when the merged valves validate.
func (h *Handler) UpdateValves(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	v, ok := h.lookupValved(w, r)
	if !ok {
		return
	}
	if h.factory == nil {
		httputil.WriteInternalError(w, reqID, "Valves cannot be updated on this server")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "Failed to read request body")
		return
	}

	current := v.Config()
	cfg := v.Config()
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid valves: "+err.Error())
		return
	}
	if cfg.APIKey == redacted {
		cfg.APIKey = current.APIKey
	}
	// relative to the config directory, as in the config file
	if p := cfg.SkipPolicyPath; p != "" && p != current.SkipPolicyPath && !filepath.IsAbs(p) {
		cfg.SkipPolicyPath = filepath.Join(h.configDir, p)
	}
	if err := cfg.Validate(); err != nil {
		httputil.WriteBadRequestError(w, reqID, err.Error())
		return
	}

	next, err := h.factory(cfg)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "Failed to apply valves: "+err.Error())
		return
	}
	h.filters.Replace(next)
	h.logger.Info("filter valves updated", "request_id", reqID, "filter", next.Name())

	out, err := encodeValves(cfg)
	if err != nil {
		httputil.WriteInternalError(w, reqID, "Failed to encode valves")
		return
	}
	httputil.WriteRawJSON(w, http.StatusOK, out)
}

func (h *Handler) lookupFilter(w http.ResponseWriter, r *http.Request) (filter.Filter, bool) {
	id := chi.URLParam(r, "id")
	f, ok := h.filters.Chain().Get(id)
	if !ok {
		httputil.WriteNotFoundError(w, w.Header().Get("X-Request-ID"), "Filter "+id+" not found")
		return nil, false
	}
	return f, true
}

func (h *Handler) lookupValved(w http.ResponseWriter, r *http.Request) (valved, bool) {
	f, ok := h.lookupFilter(w, r)
	if !ok {
		return nil, false
	}
	v, ok := f.(valved)
	if !ok {
		httputil.WriteNotFoundError(w, w.Header().Get("X-Request-ID"), "Filter "+f.Name()+" has no valves")
		return nil, false
	}
	return v, true
}

// readForm reads a pipelines filter payload of the form {"body": ..., "user": ...}.
func readForm(w http.ResponseWriter, r *http.Request, reqID string) (gjson.Result, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "Failed to read request body")
		return gjson.Result{}, false
	}
	if !gjson.ValidBytes(data) {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON")
		return gjson.Result{}, false
	}
	form := gjson.ParseBytes(data)
	if !form.Get("body").Exists() {
		httputil.WriteBadRequestError(w, reqID, "body is required")
		return gjson.Result{}, false
	}
	return form, true
}

func encodeValves(cfg config.QueryRewriteConfig) ([]byte, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.APIKey != "" {
		return sjson.SetBytes(data, "api_key", redacted)
	}
	return data, nil
}

var valveEnums = map[string][]string{
	"backend":     {config.BackendOllama, config.BackendOpenAI},
	"prompt":      {config.PromptExpandOrDecompose, config.PromptExpand, config.PromptDecompose, config.PromptCustom},
	"skip_policy": {config.SkipHeuristic, config.SkipNever, config.SkipRego},
}

// valvesSpec describes the valves as a JSON schema built from the json tags
// of QueryRewriteConfig.
func valvesSpec(defaults config.QueryRewriteConfig) map[string]any {
	props := map[string]any{}
	rv := reflect.ValueOf(defaults)
	rt := rv.Type()
	for i := range rt.NumField() {
		name, _, _ := strings.Cut(rt.Field(i).Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		prop := map[string]any{
			"title":   valveTitle(name),
			"type":    schemaType(rt.Field(i).Type),
			"default": rv.Field(i).Interface(),
		}
		if rt.Field(i).Type.Kind() == reflect.Slice {
			prop["items"] = map[string]any{"type": schemaType(rt.Field(i).Type.Elem())}
		}
		if enum, ok := valveEnums[name]; ok {
			prop["enum"] = enum
		}
		props[name] = prop
	}
	return map[string]any{
		"title":      "Valves",
		"type":       "object",
		"properties": props,
	}
}

func schemaType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int32, reflect.Int64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice:
		return "array"
	default:
		return "string"
	}
}

func valveTitle(name string) string {
	words := strings.Split(name, "_")
	for i, w := range words {
		switch w {
		case "url", "api":
			words[i] = strings.ToUpper(w)
		default:
			if w != "" {
				words[i] = strings.ToUpper(w[:1]) + w[1:]
			}
		}
	}
	return strings.Join(words, " ")
}
