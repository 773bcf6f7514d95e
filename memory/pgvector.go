package memory

import (
	"context"
	"database/sql"

	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
)

const embeddingDim = 1536

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder embeds through the OpenAI-compatible embeddings API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

func NewOpenAIEmbedder(apiKey string) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		client: openai.NewClient(apiKey),
		model:  openai.SmallEmbedding3,
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create embedding")
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("embedding response is empty")
	}
	return resp.Data[0].Embedding, nil
}

// PGStore keeps snippets in PostgreSQL with a pgvector column.
type PGStore struct {
	db       *sql.DB
	embedder Embedder
}

func NewPGStore(db *sql.DB, embedder Embedder) *PGStore {
	return &PGStore{db: db, embedder: embedder}
}

// Migrate creates the extension and table. Requires a postgres store;
// sqlite deployments run without memory.
func (s *PGStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS task_memory (
			id BIGSERIAL PRIMARY KEY,
			project TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding vector(1536) NOT NULL,
			created_ts BIGINT NOT NULL DEFAULT extract(epoch FROM now())
		);
		CREATE INDEX IF NOT EXISTS idx_task_memory_project ON task_memory (project);`)
	return errors.Wrap(err, "migrate task memory")
}

func (s *PGStore) Remember(ctx context.Context, project, content string) error {
	embedding, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return err
	}
	if len(embedding) != embeddingDim {
		return errors.Errorf("unexpected embedding dimension %d", len(embedding))
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO task_memory (project, content, embedding) VALUES ($1, $2, $3)`,
		project, content, pgvector.NewVector(embedding))
	return errors.Wrap(err, "insert task memory")
}

func (s *PGStore) Search(ctx context.Context, project, query string, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT content, 1 - (embedding <=> $1) AS score
		FROM task_memory
		WHERE project = $2
		ORDER BY embedding <=> $1
		LIMIT $3`,
		pgvector.NewVector(embedding), project, k)
	if err != nil {
		return nil, errors.Wrap(err, "search task memory")
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var hit Hit
		if err := rows.Scan(&hit.Content, &hit.Score); err != nil {
			return nil, err
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

var _ Store = (*PGStore)(nil)
