package knowledge

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"vulnverify/internal/logging"

	"go.uber.org/zap"
)

// CachingEmbedder memoizes vectors by text hash so repeated node objectives do
// not hit the provider twice. Safe for concurrent use.
type CachingEmbedder struct {
	next  Embedder
	mu    sync.Mutex
	cache map[[32]byte][]float32
}

func NewCachingEmbedder(next Embedder) *CachingEmbedder {
	return &CachingEmbedder{next: next, cache: make(map[[32]byte][]float32)}
}

func (c *CachingEmbedder) Dimension() int { return c.next.Dimension() }

func (c *CachingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	keys := make([][32]byte, len(texts))
	var missTexts []string
	var missIdx []int

	c.mu.Lock()
	for i, t := range texts {
		keys[i] = sha256.Sum256([]byte(t))
		if v, ok := c.cache[keys[i]]; ok {
			out[i] = v
			continue
		}
		missTexts = append(missTexts, t)
		missIdx = append(missIdx, i)
	}
	c.mu.Unlock()

	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.next.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(vecs), len(missTexts))
	}

	c.mu.Lock()
	for j, i := range missIdx {
		out[i] = vecs[j]
		c.cache[keys[i]] = vecs[j]
	}
	c.mu.Unlock()
	return out, nil
}

// ZeroFallbackEmbedder answers provider failures with zero vectors of the
// configured dimension. A zero vector has similarity 0 with everything, so a
// failed query silently ranks nothing above the threshold and a failed unit
// never ranks above any real match.
type ZeroFallbackEmbedder struct {
	next Embedder
	log  *zap.Logger
}

func NewZeroFallbackEmbedder(next Embedder, logger *zap.Logger) *ZeroFallbackEmbedder {
	return &ZeroFallbackEmbedder{next: next, log: logging.OrNop(logger)}
}

func (z *ZeroFallbackEmbedder) Dimension() int { return z.next.Dimension() }

func (z *ZeroFallbackEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := z.next.Embed(ctx, texts)
	if err == nil {
		return vecs, nil
	}
	dim := z.next.Dimension()
	if dim <= 0 {
		return nil, fmt.Errorf("zero-vector fallback needs a configured dimension: %w", err)
	}
	z.log.Warn("embedding failed, substituting zero vectors", zap.Int("texts", len(texts)), zap.Error(err))
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, dim)
	}
	return out, nil
}

// EmbeddingPolicy selects the wrappers applied around a provider embedder.
type EmbeddingPolicy struct {
	Cache        bool
	ZeroFallback bool
}

// WithPolicy wraps next according to p. The cache sits under the zero
// fallback so substituted vectors are never cached and a recovered provider
// is asked again.
func WithPolicy(next Embedder, p EmbeddingPolicy, logger *zap.Logger) Embedder {
	emb := next
	if p.Cache {
		emb = NewCachingEmbedder(emb)
	}
	if p.ZeroFallback {
		emb = NewZeroFallbackEmbedder(emb, logger)
	}
	return emb
}
