// Package memory stores and retrieves per-project knowledge snippets
// used to enrich task prompts. Retrieval is vector similarity over
// embeddings; the store is optional and every caller must tolerate a
// nil or no-op implementation.
package memory

import "context"

// Hit is one retrieved snippet.
type Hit struct {
	Content string
	Score   float64
}

// Store is the memory capability consumed by the executor.
type Store interface {
	// Remember persists one snippet for the project.
	Remember(ctx context.Context, project, content string) error

	// Search returns up to k snippets relevant to the query, best first.
	Search(ctx context.Context, project, query string, k int) ([]Hit, error)
}

// Noop satisfies Store when no memory backend is configured.
type Noop struct{}

func (Noop) Remember(context.Context, string, string) error { return nil }
func (Noop) Search(context.Context, string, string, int) ([]Hit, error) {
	return nil, nil
}
