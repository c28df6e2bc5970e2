package rag

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"taskweave/internal/logging"
)

// Chunk is one stored corpus fragment.
type Chunk struct {
	ID        int64
	Source    string
	Content   string
	Embedding []float32
}

// Scored pairs a chunk with its query similarity.
type Scored struct {
	Chunk
	Score float64
}

// Corpus is the sqlite-backed vector store for ingested documents.
// Embeddings are stored as JSON arrays and ranked in Go by cosine
// similarity; corpora here are small enough that a brute-force scan wins
// over an index.
type Corpus struct {
	db       *sql.DB
	embedder Embedder
}

// OpenCorpus opens (or creates) the corpus database at path.
func OpenCorpus(path string, embedder Embedder) (*Corpus, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open corpus db: %w", err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS rag_chunks (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		source    TEXT NOT NULL,
		content   TEXT NOT NULL,
		embedding TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rag_chunks_source ON rag_chunks(source);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init corpus schema: %w", err)
	}
	return &Corpus{db: db, embedder: embedder}, nil
}

// Close releases the database handle.
func (c *Corpus) Close() error {
	return c.db.Close()
}

var sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]+|[^.!?]+$`)

// SplitSentences breaks text into trimmed sentences.
func SplitSentences(text string) []string {
	var out []string
	for _, m := range sentenceRe.FindAllString(text, -1) {
		if s := strings.TrimSpace(m); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Ingest splits the document into sentence chunks, embeds them, and stores
// them under source. With contextWindow set, adjacent sentences are grouped
// in threes so each chunk carries its surroundings.
func (c *Corpus) Ingest(ctx context.Context, source, text string, contextWindow bool) (int, error) {
	timer := logging.StartTimer(logging.CategoryRAG, "Ingest "+source)
	defer timer.Stop()

	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return 0, nil
	}

	var chunks []string
	if contextWindow {
		for i := range sentences {
			lo, hi := i-1, i+1
			if lo < 0 {
				lo = 0
			}
			if hi >= len(sentences) {
				hi = len(sentences) - 1
			}
			chunks = append(chunks, strings.Join(sentences[lo:hi+1], " "))
		}
	} else {
		chunks = sentences
	}

	vecs, err := c.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("embed chunks: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	for i, chunk := range chunks {
		blob, _ := json.Marshal(vecs[i])
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rag_chunks (source, content, embedding) VALUES (?, ?, ?)`,
			source, chunk, string(blob)); err != nil {
			return 0, fmt.Errorf("insert chunk: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	logging.RAG("ingested %d chunks from %s (context_window=%v)", len(chunks), source, contextWindow)
	return len(chunks), nil
}

// Search embeds the query and returns the top-k chunks by cosine similarity.
func (c *Corpus) Search(ctx context.Context, query string, k int) ([]Scored, error) {
	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return c.SearchVector(ctx, vec, k)
}

// SearchVector ranks all chunks against an already-computed query vector.
func (c *Corpus) SearchVector(ctx context.Context, query []float32, k int) ([]Scored, error) {
	if k < 1 {
		k = 1
	}
	rows, err := c.db.QueryContext(ctx, `SELECT id, source, content, embedding FROM rag_chunks`)
	if err != nil {
		return nil, fmt.Errorf("scan corpus: %w", err)
	}
	defer rows.Close()

	var scored []Scored
	for rows.Next() {
		var ch Chunk
		var blob string
		if err := rows.Scan(&ch.ID, &ch.Source, &ch.Content, &blob); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(blob), &ch.Embedding); err != nil {
			logging.Get(logging.CategoryRAG).Warn("chunk %d has unreadable embedding: %v", ch.ID, err)
			continue
		}
		scored = append(scored, Scored{Chunk: ch, Score: CosineSimilarity(query, ch.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 on
// dimension mismatch or zero vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
