// Package retrieval supplies context passages for a question. Ranking and
// index construction live outside this system; the implementations here are
// a no-op and a small in-memory corpus for local runs.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/user/turnstile/pkg/llm"
)

// Retriever returns passages relevant to question, restricted to filter
// when it is non-empty.
type Retriever interface {
	Retrieve(ctx context.Context, question, filter string) ([]llm.Passage, error)
}

// Nop retrieves nothing.
type Nop struct{}

func (Nop) Retrieve(context.Context, string, string) ([]llm.Passage, error) { return nil, nil }

// Static ranks a fixed corpus by term overlap with the question. A filter
// matches passages whose Source starts with it.
type Static struct {
	passages []llm.Passage
	limit    int
}

// NewStatic returns a retriever over passages returning at most limit hits.
func NewStatic(passages []llm.Passage, limit int) *Static {
	if limit <= 0 {
		limit = 4
	}
	return &Static{passages: passages, limit: limit}
}

// LoadStatic reads a JSON array of passages from path.
func LoadStatic(path string, limit int) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading corpus: %w", err)
	}
	var passages []llm.Passage
	if err := json.Unmarshal(data, &passages); err != nil {
		return nil, fmt.Errorf("parsing corpus %s: %w", path, err)
	}
	return NewStatic(passages, limit), nil
}

// Len returns the corpus size.
func (s *Static) Len() int { return len(s.passages) }

func (s *Static) Retrieve(ctx context.Context, question, filter string) ([]llm.Passage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := tokenize(question)
	if len(terms) == 0 {
		return nil, nil
	}

	var hits []llm.Passage
	for _, p := range s.passages {
		if filter != "" && !strings.HasPrefix(p.Source, filter) {
			continue
		}
		words := tokenize(p.Title + " " + p.Text)
		matched := 0
		for t := range terms {
			if _, ok := words[t]; ok {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		p.Score = float64(matched) / float64(len(terms))
		hits = append(hits, p)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > s.limit {
		hits = hits[:s.limit]
	}
	return hits, nil
}

func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) > 2 {
			out[w] = struct{}{}
		}
	}
	return out
}
