package rewrite

import "regexp"

// Rule marks a query as already structured. Matching queries are left alone
// so machine-generated prompts are not expanded twice.
type Rule struct {
	Name     string
	Regex    *regexp.Regexp
	Category string // "internal_payload" or "boolean_query"
}

// DefaultRules returns the built-in skip rules, most specific first.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "delimiter_prefix",
			Regex:    regexp.MustCompile(`\A\s*###`),
			Category: "internal_payload",
		},
		{
			Name:     "json_prefix",
			Regex:    regexp.MustCompile(`\A\s*\{`),
			Category: "internal_payload",
		},
		{
			Name:     "code_fence",
			Regex:    regexp.MustCompile("```"),
			Category: "internal_payload",
		},
		{
			Name:     "task_marker",
			Regex:    regexp.MustCompile(`Task:`),
			Category: "internal_payload",
		},
		{
			Name:     "boolean_operator",
			Regex:    regexp.MustCompile(`\b(AND|OR|NOT)\b`),
			Category: "boolean_query",
		},
		{
			Name:     "parentheses",
			Regex:    regexp.MustCompile(`[()]`),
			Category: "boolean_query",
		},
		{
			Name:     "backtick",
			Regex:    regexp.MustCompile("`"),
			Category: "boolean_query",
		},
	}
}
