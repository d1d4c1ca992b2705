package providers

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultEmbeddingDim 与 text-embedding-3-small 保持一致。
const DefaultEmbeddingDim = 1536

// EmbeddingProvider 将文本批量转换为向量，返回顺序与输入一致。
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// StubEmbedding 由文本哈希生成可复现的归一化伪随机向量。
type StubEmbedding struct {
	Dim int
}

func (s StubEmbedding) Embed(_ context.Context, texts []string) ([][]float64, error) {
	dim := s.Dim
	if dim <= 0 {
		dim = DefaultEmbeddingDim
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = hashToVector(t, dim)
	}
	return out, nil
}

func hashToVector(text string, dim int) []float64 {
	var seed uint32
	for _, r := range text {
		seed = seed*31 + uint32(r)
	}
	vec := make([]float64, dim)
	for i := range vec {
		seed = (1103515245*seed + 12345) & 0x7fffffff
		v := float64(seed)/float64(0x7fffffff)*2 - 1
		if i%2 == 1 {
			v = -v
		}
		vec[i] = v
	}
	return Normalize(vec)
}

// Normalize 返回单位向量，零向量原样返回。
func Normalize(vec []float64) []float64 {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return vec
	}
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}

// CosineSimilarity 维度不一致或存在零向量时返回 0。
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

const embeddingBatchSize = 64

// HTTPEmbedding 调用 OpenAI 兼容的 /embeddings 接口，按批并发请求。
type HTTPEmbedding struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
	limiter  *rate.Limiter
}

func NewHTTPEmbedding(endpoint, apiKey, model string, rps float64) *HTTPEmbedding {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &HTTPEmbedding{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: 30 * time.Second},
		limiter:  limiter,
	}
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func (e *HTTPEmbedding) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for start := 0; start < len(texts); start += embeddingBatchSize {
		end := min(start+embeddingBatchSize, len(texts))
		g.Go(func() error {
			if err := e.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("embedding rate limiter: %w", err)
			}
			var resp embeddingResponse
			req := embeddingRequest{Model: e.model, Input: texts[start:end]}
			if err := postJSON(ctx, e.client, e.endpoint+"/embeddings", e.apiKey, req, &resp); err != nil {
				return fmt.Errorf("embed batch %d-%d: %w", start, end, err)
			}
			if len(resp.Data) != end-start {
				return fmt.Errorf("embed batch %d-%d: expected %d vectors got %d", start, end, end-start, len(resp.Data))
			}
			filled := make([]bool, end-start)
			for _, d := range resp.Data {
				if d.Index < 0 || d.Index >= end-start {
					return fmt.Errorf("embed batch %d-%d: index %d out of range", start, end, d.Index)
				}
				if filled[d.Index] {
					return fmt.Errorf("embed batch %d-%d: duplicate index %d", start, end, d.Index)
				}
				if len(d.Embedding) == 0 {
					return fmt.Errorf("embed batch %d-%d: empty vector at index %d", start, end, d.Index)
				}
				filled[d.Index] = true
				out[start+d.Index] = d.Embedding
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
