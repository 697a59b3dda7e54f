package rewrite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/open-policy-agent/opa/rego"
)

const (
	regoQuery = "data.rewrite"

	ruleRego        = "rego"
	rulePolicyError = "policy_error"

	defaultEvalTimeout = 100 * time.Millisecond
)

// RegoSkipper evaluates an OPA policy in package rewrite. The policy defines
// skip (bool) and reason (string) over SkipInput. Evaluation errors skip the
// rewrite.
type RegoSkipper struct {
	prepared rego.PreparedEvalQuery
	timeout  time.Duration
	logger   *slog.Logger
}

// LoadRegoFiles reads a single .rego file, or every .rego file in a directory.
func LoadRegoFiles(path string) (map[string]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return map[string]string{filepath.Base(path): string(data)}, nil
	}

	modules := make(map[string]string)
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".rego" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(path, entry.Name()))
		if err != nil {
			return nil, err
		}
		modules[entry.Name()] = string(data)
	}
	return modules, nil
}

// LoadRegoSkipper compiles the policy found at path.
func LoadRegoSkipper(ctx context.Context, path string, logger *slog.Logger) (*RegoSkipper, error) {
	modules, err := LoadRegoFiles(path)
	if err != nil {
		return nil, fmt.Errorf("load rego files: %w", err)
	}
	if len(modules) == 0 {
		return nil, fmt.Errorf("load rego files: no .rego files in %s", path)
	}
	return NewRegoSkipper(ctx, modules, logger)
}

// NewRegoSkipper compiles policy modules keyed by file name.
func NewRegoSkipper(ctx context.Context, modules map[string]string, logger *slog.Logger) (*RegoSkipper, error) {
	opts := []func(*rego.Rego){rego.Query(regoQuery)}
	for name, src := range modules {
		opts = append(opts, rego.Module(name, src))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare rego: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("skip policy loaded", "modules", len(modules))
	return &RegoSkipper{prepared: prepared, timeout: defaultEvalTimeout, logger: logger}, nil
}

// Evaluate runs the policy. An undefined skip means no skip and an undefined
// reason is empty.
func (s *RegoSkipper) Evaluate(ctx context.Context, in SkipInput) (bool, string, error) {
	evalCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	results, err := s.prepared.Eval(evalCtx, rego.EvalInput(in))
	if err != nil {
		return false, "", fmt.Errorf("evaluate skip policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, "", nil
	}

	// The package document; skip and reason may each be undefined.
	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return false, "", fmt.Errorf("evaluate skip policy: unexpected result %v", results[0].Expressions[0].Value)
	}
	skip, _ := doc["skip"].(bool)
	reason, _ := doc["reason"].(string)
	return skip, reason, nil
}

func (s *RegoSkipper) Skip(ctx context.Context, in SkipInput) (bool, string) {
	skip, reason, err := s.Evaluate(ctx, in)
	if err != nil {
		s.logger.Error("skip policy evaluation failed", "error", err)
		return true, rulePolicyError
	}
	if !skip {
		return false, ""
	}
	if reason == "" {
		reason = ruleRego
	}
	return true, reason
}
