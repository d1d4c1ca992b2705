package providers

import (
	"context"
	"fmt"

	"aicareer/internal/config"
	"aicareer/internal/storage"
)

// Registry 汇总可替换的外部能力，在进程启动时按配置装配一次后注入各组件。
type Registry struct {
	LLM       LLMProvider
	Embedding EmbeddingProvider
	Storage   storage.Provider
}

// NewRegistry 根据配置选择各能力的实现。
func NewRegistry(ctx context.Context, cfg *config.Config) (*Registry, error) {
	reg := &Registry{}

	switch cfg.Providers.LLM {
	case "http":
		reg.LLM = NewHTTPLLM(cfg.Providers.LLMEndpoint, cfg.Providers.LLMAPIKey, cfg.Providers.LLMModel, cfg.Providers.LLMRPS)
	default:
		reg.LLM = EchoLLM{}
	}

	switch cfg.Providers.Embedding {
	case "http":
		reg.Embedding = NewHTTPEmbedding(cfg.Providers.EmbeddingEndpoint, cfg.Providers.LLMAPIKey, cfg.Providers.EmbeddingModel, cfg.Providers.LLMRPS)
	default:
		reg.Embedding = StubEmbedding{Dim: DefaultEmbeddingDim}
	}

	switch cfg.Providers.Storage {
	case "memory":
		reg.Storage = storage.NewMemoryStore()
	default:
		client, err := storage.NewClient(ctx, cfg.MinIO)
		if err != nil {
			return nil, fmt.Errorf("init storage provider: %w", err)
		}
		reg.Storage = client
	}

	return reg, nil
}
