// Package vectorstore implements per-namespace nearest-neighbor retrieval
// over durably stored document chunks. A namespace isolates one project's
// (or one session's) uploaded documents from everyone else's.
//
// Concurrent Add/Search/Delete on different namespaces is safe. Concurrent
// Add and Delete on the same namespace is not coordinated here; callers must
// avoid it.
package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/fininsight/agent-backend/internal/embedding"
	"github.com/fininsight/agent-backend/internal/logger"
	"github.com/fininsight/agent-backend/internal/store"
)

// DefaultTopK is how many chunks a search folds into retrieval context.
const DefaultTopK = 3

// ChunkRepository is the durable keyed store behind the namespaces.
type ChunkRepository interface {
	InsertChunks(chunks []store.VectorChunk) error
	GetChunksByNamespace(namespace string) ([]store.VectorChunk, error)
	DeleteNamespace(namespace string) error
}

type Store struct {
	repo     ChunkRepository
	embedder embedding.Provider
	log      *logger.Logger
}

func New(repo ChunkRepository, embedder embedding.Provider, log *logger.Logger) *Store {
	return &Store{repo: repo, embedder: embedder, log: log}
}

// NamespaceKey scopes retrieval to the project when one is given, falling
// back to the session otherwise.
func NamespaceKey(projectID *int64, sessionID string) string {
	if projectID != nil {
		return fmt.Sprintf("project:%d", *projectID)
	}
	return "session:" + sessionID
}

// Add embeds all chunks in one batch call and persists them under the
// namespace. It returns the number of chunks stored. Nothing is written if
// the embedding call fails.
func (s *Store) Add(ctx context.Context, namespace string, chunks []string) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	vectors, err := s.embedder.Embed(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("failed to embed %d chunks for namespace %s: %w", len(chunks), namespace, err)
	}
	if len(vectors) != len(chunks) {
		return 0, &embedding.Error{
			Provider: "batch",
			Err:      fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks)),
		}
	}

	records := make([]store.VectorChunk, len(chunks))
	for i, text := range chunks {
		records[i] = store.VectorChunk{
			ID:        uuid.NewString(),
			Namespace: namespace,
			Position:  i,
			Content:   text,
			Embedding: vectors[i],
		}
	}
	if err := s.repo.InsertChunks(records); err != nil {
		return 0, fmt.Errorf("failed to persist chunks for namespace %s: %w", namespace, err)
	}

	s.log.Info("stored document chunks", "namespace", namespace, "count", len(records))
	return len(records), nil
}

// Search embeds the query and returns the topK nearest chunks' text joined
// by blank lines, best match first. It returns ("", nil) when the namespace
// holds no chunks or nothing scores, so callers can treat absence and
// emptiness uniformly.
func (s *Store) Search(ctx context.Context, namespace, query string, topK int) (string, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	chunks, err := s.repo.GetChunksByNamespace(namespace)
	if err != nil {
		return "", fmt.Errorf("failed to load namespace %s: %w", namespace, err)
	}
	if len(chunks) == 0 {
		return "", nil
	}

	queryVecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return "", fmt.Errorf("failed to embed query: %w", err)
	}
	if len(queryVecs) != 1 {
		return "", fmt.Errorf("embedder returned %d vectors for one query", len(queryVecs))
	}
	queryVec := queryVecs[0]

	type scored struct {
		chunk store.VectorChunk
		score float32
	}
	results := make([]scored, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			s.log.Warn("skipping chunk with missing embedding", "namespace", namespace, "chunk_id", c.ID)
			continue
		}
		score, err := cosineSimilarity(queryVec, c.Embedding)
		if err != nil {
			s.log.Warn("skipping chunk on similarity error", "namespace", namespace, "chunk_id", c.ID, "error", err)
			continue
		}
		results = append(results, scored{chunk: c, score: score})
	}
	if len(results) == 0 {
		return "", nil
	}

	// Stable sort keeps insertion order among equal scores.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].score > results[j].score
	})
	if topK > len(results) {
		topK = len(results)
	}

	parts := make([]string, 0, topK)
	for _, r := range results[:topK] {
		parts = append(parts, r.chunk.Content)
	}
	return strings.Join(parts, "\n\n"), nil
}

// Delete drops the whole namespace. Deleting a namespace that never existed
// is a no-op.
func (s *Store) Delete(namespace string) error {
	if err := s.repo.DeleteNamespace(namespace); err != nil {
		return err
	}
	s.log.Info("deleted vector namespace", "namespace", namespace)
	return nil
}
