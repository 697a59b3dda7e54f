// Package rewrite implements the query rewrite filter. On the way in it
// replaces the latest user message with an expanded or decomposed version
// produced by a text-generation backend. It never blocks a request: any
// backend failure leaves the message as it was.
package rewrite

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/af-corp/rewrite-gateway/internal/config"
	"github.com/af-corp/rewrite-gateway/internal/filter"
	"github.com/af-corp/rewrite-gateway/internal/llm"
	"github.com/af-corp/rewrite-gateway/internal/llm/ollama"
	"github.com/af-corp/rewrite-gateway/internal/llm/openai"
	"github.com/af-corp/rewrite-gateway/internal/telemetry"
	"github.com/af-corp/rewrite-gateway/internal/types"
)

// Name is the filter id used in the pipelines API.
const Name = "query_rewrite"

// Filter is immutable; a config change builds a new one.
type Filter struct {
	cfg      config.QueryRewriteConfig
	rewriter *Rewriter
	skipper  Skipper
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	gen llm.Generator
}

type Option func(*Filter)

func WithLogger(l *slog.Logger) Option { return func(f *Filter) { f.logger = l } }

func WithMetrics(m *telemetry.Metrics) Option { return func(f *Filter) { f.metrics = m } }

// WithGenerator overrides the backend built from cfg.Backend.
func WithGenerator(g llm.Generator) Option { return func(f *Filter) { f.gen = g } }

// WithSkipper overrides the skipper built from cfg.SkipPolicy.
func WithSkipper(s Skipper) Option { return func(f *Filter) { f.skipper = s } }

// New validates cfg and builds a filter from it.
func New(cfg config.QueryRewriteConfig, opts ...Option) (*Filter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Pipelines = slices.Clone(cfg.Pipelines)

	f := &Filter{cfg: cfg}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}

	if f.gen == nil {
		f.gen = NewGenerator(cfg)
	}
	prompt, err := NewPrompt(cfg)
	if err != nil {
		return nil, fmt.Errorf("query_rewrite: %w", err)
	}
	f.rewriter = NewRewriter(f.gen, cfg.Model, prompt, f.metrics)

	if f.skipper == nil {
		f.skipper, err = NewSkipper(context.Background(), cfg, f.logger)
		if err != nil {
			return nil, fmt.Errorf("query_rewrite: %w", err)
		}
	}
	return f, nil
}

// NewGenerator builds the backend client named by cfg.Backend.
func NewGenerator(cfg config.QueryRewriteConfig) llm.Generator {
	if cfg.Backend == config.BackendOpenAI {
		return openai.NewClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout)
	}
	return ollama.NewClient(cfg.BaseURL, cfg.Timeout)
}

// NewSkipper builds the skipper named by cfg.SkipPolicy.
func NewSkipper(ctx context.Context, cfg config.QueryRewriteConfig, logger *slog.Logger) (Skipper, error) {
	switch cfg.SkipPolicy {
	case config.SkipNever:
		return NeverSkip{}, nil
	case config.SkipRego:
		return LoadRegoSkipper(ctx, cfg.SkipPolicyPath, logger)
	default:
		return NewHeuristicSkipper(), nil
	}
}

func (f *Filter) Name() string        { return Name }
func (f *Filter) DisplayName() string { return "Query Rewrite" }
func (f *Filter) Pipelines() []string { return slices.Clone(f.cfg.Pipelines) }
func (f *Filter) Priority() int       { return f.cfg.Priority }

// Config returns a copy of the valves the filter was built with.
func (f *Filter) Config() config.QueryRewriteConfig {
	cfg := f.cfg
	cfg.Pipelines = slices.Clone(f.cfg.Pipelines)
	return cfg
}

// Inlet rewrites the latest user message of req in place.
func (f *Filter) Inlet(ctx context.Context, req *types.ChatRequest) filter.Result {
	res := filter.Result{Action: filter.ActionPass, FilterName: Name}
	if !f.cfg.Enabled {
		res.Message = "disabled"
		return res
	}

	idx := req.LastUserIndex()
	if idx < 0 || strings.TrimSpace(req.Messages[idx].Content) == "" {
		res.Message = "no user message"
		return res
	}
	query := req.Messages[idx].Content
	logger := f.logger.With("request_id", req.RequestID, "filter", Name, "model", req.Model)

	in := SkipInput{
		Query:        query,
		Model:        req.Model,
		MessageCount: len(req.Messages),
		Turn:         userTurn(req.Messages, idx),
	}
	if skip, rule := f.skipper.Skip(ctx, in); skip {
		f.metrics.RecordSkip(rule)
		logger.Debug("query rewrite skipped", "rule", rule)
		res.Action = filter.ActionSkip
		res.Rule = rule
		return res
	}

	var history []types.Message
	if f.cfg.IncludeHistory {
		history = req.History(idx, f.cfg.HistoryTurns)
	}

	rewritten, err := f.rewriter.Rewrite(ctx, query, history)
	if err != nil {
		logger.Warn("query rewrite failed, keeping original", "backend", f.gen.Name(), "error", err)
		res.Action = filter.ActionFallback
		res.Message = err.Error()
		return res
	}
	if rewritten == query {
		res.Message = "unchanged"
		return res
	}
	if err := req.SetContent(idx, rewritten); err != nil {
		logger.Warn("failed to apply rewritten query", "error", err)
		res.Action = filter.ActionFallback
		res.Message = err.Error()
		return res
	}

	logger.Debug("query rewritten", "original_len", len(query), "rewritten_len", len(rewritten))
	res.Action = filter.ActionRewrite
	return res
}

// Outlet returns the response untouched.
func (f *Filter) Outlet(_ context.Context, _ *types.ChatResponse) filter.Result {
	return filter.Result{Action: filter.ActionPass, FilterName: Name}
}

// userTurn returns the 1-based count of user messages up to and including idx.
func userTurn(msgs []types.Message, idx int) int {
	n := 0
	for _, m := range msgs[:idx+1] {
		if m.Role == types.RoleUser {
			n++
		}
	}
	return n
}
