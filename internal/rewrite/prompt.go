package rewrite

import (
	"fmt"
	"io"
	"strings"
	"text/template"

	"github.com/af-corp/rewrite-gateway/internal/config"
	"github.com/af-corp/rewrite-gateway/internal/llm"
	"github.com/af-corp/rewrite-gateway/internal/types"
)

const systemExpandOrDecompose = `You are an advanced AI for query optimization.
Your task is to determine the best approach for this query:
1. Expand the query with synonyms and related terms if it is vague or broad.
2. Decompose the query into 2-4 specific sub-questions if it is complex or multifaceted.
Choose the best approach based on the query and respond only with the result. Do not include any explanation or metadata.`

const systemExpand = `You are an advanced AI for query optimization.
Expand the query for a knowledge base search with synonyms, related terms and broader topics.
Respond only with the expanded query. Do not include any explanation or metadata.`

const systemDecompose = `You are an advanced AI for query optimization.
Decompose the query into 2-4 specific, concise sub-questions that together cover it.
Respond only with the sub-questions, one per line. Do not include any explanation or metadata.`

const defaultUserTemplate = `{{if .History}}Conversation so far:
{{.History}}

{{end}}Query: {{.Query}}`

// PromptData is what a user template is rendered with.
type PromptData struct {
	Query string
	// History is the prior turns rendered as "role: content" lines.
	History string
	Turns   []types.Message
}

// Prompt turns a query into the messages sent to the rewrite backend.
type Prompt struct {
	system string
	user   *template.Template
}

// NewPrompt builds the prompt selected by cfg.Prompt.
func NewPrompt(cfg config.QueryRewriteConfig) (*Prompt, error) {
	system, userTmpl := "", defaultUserTemplate
	switch cfg.Prompt {
	case config.PromptExpandOrDecompose, "":
		system = systemExpandOrDecompose
	case config.PromptExpand:
		system = systemExpand
	case config.PromptDecompose:
		system = systemDecompose
	case config.PromptCustom:
		system, userTmpl = cfg.SystemPrompt, cfg.UserTemplate
	default:
		return nil, fmt.Errorf("unknown prompt %q", cfg.Prompt)
	}

	tmpl, err := template.New("user").Option("missingkey=error").Parse(userTmpl)
	if err != nil {
		return nil, fmt.Errorf("parse user template: %w", err)
	}
	if err := tmpl.Execute(io.Discard, PromptData{}); err != nil {
		return nil, fmt.Errorf("check user template: %w", err)
	}
	return &Prompt{system: system, user: tmpl}, nil
}

// Messages renders the system instruction and the user turn. An empty system
// instruction is left out.
func (p *Prompt) Messages(query string, history []types.Message) ([]llm.Message, error) {
	data := PromptData{Query: query, Turns: history}
	if len(history) > 0 {
		lines := make([]string, 0, len(history))
		for _, m := range history {
			lines = append(lines, m.Role+": "+m.Content)
		}
		data.History = strings.Join(lines, "\n")
	}

	var b strings.Builder
	if err := p.user.Execute(&b, data); err != nil {
		return nil, fmt.Errorf("render user template: %w", err)
	}

	msgs := make([]llm.Message, 0, 2)
	if p.system != "" {
		msgs = append(msgs, llm.Message{Role: types.RoleSystem, Content: p.system})
	}
	return append(msgs, llm.Message{Role: types.RoleUser, Content: b.String()}), nil
}
