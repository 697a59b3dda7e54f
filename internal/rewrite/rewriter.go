package rewrite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/af-corp/rewrite-gateway/internal/llm"
	"github.com/af-corp/rewrite-gateway/internal/llm/ollama"
	"github.com/af-corp/rewrite-gateway/internal/telemetry"
	"github.com/af-corp/rewrite-gateway/internal/types"
)

// Rewrite outcomes, used as the metrics label.
const (
	OutcomeOK        = "ok"
	OutcomeEmpty     = "empty"
	OutcomeStatus    = "status_error"
	OutcomeTransport = "transport_error"
	OutcomeStream    = "stream_error"
	OutcomePrompt    = "prompt_error"
)

// Rewriter sends a query to a text-generation backend and returns the
// rewritten text. It makes a single attempt.
type Rewriter struct {
	gen     llm.Generator
	model   string
	prompt  *Prompt
	metrics *telemetry.Metrics
}

func NewRewriter(gen llm.Generator, model string, prompt *Prompt, metrics *telemetry.Metrics) *Rewriter {
	return &Rewriter{gen: gen, model: model, prompt: prompt, metrics: metrics}
}

// Rewrite always returns usable text. On any failure it returns query
// unchanged together with the error.
func (r *Rewriter) Rewrite(ctx context.Context, query string, history []types.Message) (string, error) {
	start := time.Now()
	out, outcome, err := r.rewrite(ctx, query, history)
	r.metrics.RecordRewrite(r.gen.Name(), outcome, float64(time.Since(start).Milliseconds()))
	if err != nil {
		return query, err
	}
	return out, nil
}

func (r *Rewriter) rewrite(ctx context.Context, query string, history []types.Message) (string, string, error) {
	msgs, err := r.prompt.Messages(query, history)
	if err != nil {
		return "", OutcomePrompt, err
	}

	stream, err := r.gen.ChatStream(ctx, r.model, msgs)
	if err != nil {
		var se *ollama.StatusError
		if errors.As(err, &se) {
			return "", OutcomeStatus, err
		}
		return "", OutcomeTransport, err
	}

	out, err := llm.Collect(stream)
	switch {
	case errors.Is(err, llm.ErrEmptyResponse):
		return "", OutcomeEmpty, err
	case err != nil:
		return "", OutcomeStream, fmt.Errorf("read rewrite stream: %w", err)
	}
	return out, OutcomeOK, nil
}
