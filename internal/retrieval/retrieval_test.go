package retrieval

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/turnstile/pkg/llm"
)

var corpus = []llm.Passage{
	{ID: "1", Source: "handbook/leave", Title: "Vacation policy", Text: "Employees accrue vacation days monthly."},
	{ID: "2", Source: "handbook/travel", Title: "Travel", Text: "Book travel through the portal. Vacation travel is personal."},
	{ID: "3", Source: "wiki/oncall", Title: "Oncall", Text: "Pages go to the primary first."},
}

func TestStaticRanksAndFilters(t *testing.T) {
	s := NewStatic(corpus, 2)
	ctx := context.Background()

	hits, err := s.Retrieve(ctx, "How many vacation days?", "")
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "1", hits[0].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)

	hits, err = s.Retrieve(ctx, "vacation", "handbook/travel")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "2", hits[0].ID)

	hits, err = s.Retrieve(ctx, "?!", "")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestLoadStatic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"a","source":"s","text":"alpha beta"}]`), 0o644))

	s, err := LoadStatic(path, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	_, err = LoadStatic(filepath.Join(t.TempDir(), "missing.json"), 0)
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	hits, err := Nop{}.Retrieve(context.Background(), "anything", "")
	assert.NoError(t, err)
	assert.Nil(t, hits)
}
