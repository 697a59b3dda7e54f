package rewrite

import "context"

// SkipInput describes the query a Skipper decides on.
type SkipInput struct {
	Query        string `json:"query"`
	Model        string `json:"model"`
	MessageCount int    `json:"message_count"`
	// Turn is the 1-based position of the query among the user messages.
	Turn int `json:"turn"`
}

// Skipper decides whether a query is left unchanged. rule names the reason
// and is empty when skip is false.
type Skipper interface {
	Skip(ctx context.Context, in SkipInput) (skip bool, rule string)
}

// HeuristicSkipper skips queries matching any of its rules.
type HeuristicSkipper struct {
	rules []Rule
}

func NewHeuristicSkipper(rules ...Rule) *HeuristicSkipper {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &HeuristicSkipper{rules: rules}
}

func (s *HeuristicSkipper) Skip(_ context.Context, in SkipInput) (bool, string) {
	if r, ok := s.Match(in.Query); ok {
		return true, r.Name
	}
	return false, ""
}

// Match returns the first rule matching text.
func (s *HeuristicSkipper) Match(text string) (Rule, bool) {
	for _, r := range s.rules {
		if r.Regex.MatchString(text) {
			return r, true
		}
	}
	return Rule{}, false
}

// NeverSkip rewrites every query.
type NeverSkip struct{}

func (NeverSkip) Skip(context.Context, SkipInput) (bool, string) { return false, "" }
