package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"vulnverify/internal/knowledge"
	"vulnverify/internal/logging"
	"vulnverify/internal/storage"

	"go.uber.org/zap"
)

// ErrInvalidArgument is wrapped by Query for out-of-range topK or threshold.
var ErrInvalidArgument = errors.New("invalid retrieval argument")

// EmbeddingError reports that the query text could not be turned into a usable
// vector.
type EmbeddingError struct {
	Query string
	Err   error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embed retrieval query: %v", e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// Result is one ranked match.
type Result struct {
	Unit       storage.Metadata `json:"unit"`
	Similarity float64          `json:"similarity"`
}

// Service ranks indexed code units against free-text queries.
// It only reads the index and is safe for concurrent use.
type Service struct {
	index    *storage.Index
	embedder knowledge.Embedder
	log      *zap.Logger
}

func NewService(index *storage.Index, embedder knowledge.Embedder, logger *zap.Logger) *Service {
	return &Service{index: index, embedder: embedder, log: logging.OrNop(logger)}
}

// Query returns up to topK units whose cosine similarity to text is at least
// minSimilarity, best first. Equal scores keep index insertion order.
func (s *Service) Query(ctx context.Context, text string, topK int, minSimilarity float64) ([]Result, error) {
	if topK < 1 {
		return nil, fmt.Errorf("%w: top_k must be >= 1, got %d", ErrInvalidArgument, topK)
	}
	if math.IsNaN(minSimilarity) || minSimilarity < 0 || minSimilarity > 1 {
		return nil, fmt.Errorf("%w: min_similarity must be within [0,1], got %g", ErrInvalidArgument, minSimilarity)
	}
	if s.index == nil || s.index.Len() == 0 {
		return nil, nil
	}

	qv, err := s.embedQuery(ctx, text)
	if err != nil {
		return nil, err
	}

	records := s.index.Records()
	scored := make([]Result, 0, len(records))
	for _, r := range records {
		sim := CosineSimilarity(qv, r.Vector)
		if sim < minSimilarity {
			continue
		}
		scored = append(scored, Result{Unit: r.Metadata, Similarity: sim})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}

	s.log.Debug("retrieval",
		zap.String("query", truncate(text, 80)),
		zap.Int("candidates", len(records)),
		zap.Int("returned", len(scored)))
	return scored, nil
}

func (s *Service) embedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, &EmbeddingError{Query: text, Err: err}
	}
	if len(vecs) != 1 {
		return nil, &EmbeddingError{Query: text, Err: fmt.Errorf("expected 1 vector, got %d", len(vecs))}
	}
	v := vecs[0]
	if len(v) == 0 {
		return nil, &EmbeddingError{Query: text, Err: errors.New("empty vector")}
	}
	if dim := s.index.Dimension(); len(v) != dim {
		return nil, &EmbeddingError{Query: text, Err: fmt.Errorf("vector has dimension %d, index has %d", len(v), dim)}
	}
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return nil, &EmbeddingError{Query: text, Err: errors.New("vector contains non-finite values")}
		}
	}
	return v, nil
}

// CosineSimilarity returns 0 when either vector has zero magnitude or the
// lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		magA += x * x
		magB += y * y
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// Render formats a match for inclusion in an oracle prompt.
func (r Result) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "container: %s\n", r.Unit.ContainerName)
	fmt.Fprintf(&b, "function: %s\n", r.Unit.UnitID)
	fmt.Fprintf(&b, "similarity: %.4f\n", r.Similarity)
	b.WriteString("content:\n")
	b.WriteString(r.Unit.Text)
	return b.String()
}

// RenderAll renders results in rank order.
func RenderAll(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Render()
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
