package llm

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultSystemPrompt frames the retrieved passages for the model. It uses
// text/template syntax with the fields of promptData.
const DefaultSystemPrompt = `You answer questions using the reference passages below. Cite passages by their id in square brackets. If the passages do not contain the answer, say so.
{{- if .Passages}}

## Passages
{{range .Passages}}
[{{.ID}}]{{if .Title}} {{.Title}}{{end}}
{{.Text}}
{{end}}
{{- end}}`

type promptData struct {
	Passages []Passage
}

// Counter returns the token length of a string.
type Counter func(text string) int

// NewTokenCounter returns a tiktoken counter for model, falling back to
// cl100k_base for unknown models.
func NewTokenCounter(model string) (Counter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}, nil
}

// PromptBuilder assembles a token-budgeted message list from a Request.
type PromptBuilder struct {
	tmpl      *template.Template
	count     Counter
	maxTokens int
	reserve   int
}

// NewPromptBuilder creates a builder with the given context window and the
// number of tokens reserved for the response. An empty system template uses
// DefaultSystemPrompt.
func NewPromptBuilder(count Counter, maxTokens, reserve int, system string) (*PromptBuilder, error) {
	if system == "" {
		system = DefaultSystemPrompt
	}
	tmpl, err := template.New("system").Parse(system)
	if err != nil {
		return nil, fmt.Errorf("parse system prompt: %w", err)
	}
	return &PromptBuilder{tmpl: tmpl, count: count, maxTokens: maxTokens, reserve: reserve}, nil
}

// Build returns system prompt, as much recent history as fits, then the
// question. History is dropped oldest first; the question is always kept.
func (b *PromptBuilder) Build(req Request) ([]Message, error) {
	var buf bytes.Buffer
	if err := b.tmpl.Execute(&buf, promptData{Passages: req.Context}); err != nil {
		return nil, fmt.Errorf("render system prompt: %w", err)
	}
	sys := buf.String()

	remaining := b.maxTokens - b.reserve - b.count(sys) - b.count(req.Question)

	// Walk newest to oldest so the most recent exchanges survive.
	keep := len(req.History)
	for i := len(req.History) - 1; i >= 0; i-- {
		n := b.count(req.History[i].Content)
		if n > remaining {
			break
		}
		remaining -= n
		keep = i
	}

	messages := make([]Message, 0, 2+len(req.History)-keep)
	messages = append(messages, Message{Role: "system", Content: sys})
	messages = append(messages, req.History[keep:]...)
	messages = append(messages, Message{Role: "user", Content: req.Question})
	return messages, nil
}
