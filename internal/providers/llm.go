package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// CompleteOptions 控制生成参数，零值表示使用服务端默认值。
type CompleteOptions struct {
	Temperature float64
	MaxTokens   int
}

// LLMProvider 文本补全能力。
type LLMProvider interface {
	Complete(ctx context.Context, prompt string, opts CompleteOptions) (string, error)
	Model() string
}

// EchoLLM 原样回显提示词，用于本地与测试环境。
type EchoLLM struct{}

func (EchoLLM) Complete(_ context.Context, prompt string, _ CompleteOptions) (string, error) {
	return "ECHO: " + prompt, nil
}

func (EchoLLM) Model() string { return "echo" }

// HTTPLLM 调用 OpenAI 兼容的 /chat/completions 接口，并按 RPS 限流。
type HTTPLLM struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewHTTPLLM rps <= 0 时不限流。
func NewHTTPLLM(endpoint, apiKey, model string, rps float64) *HTTPLLM {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &HTTPLLM{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: 60 * time.Second},
		limiter:  limiter,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (l *HTTPLLM) Complete(ctx context.Context, prompt string, opts CompleteOptions) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("llm rate limiter: %w", err)
	}

	var resp chatResponse
	req := chatRequest{
		Model:       l.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if err := postJSON(ctx, l.client, l.endpoint+"/chat/completions", l.apiKey, req, &resp); err != nil {
		return "", fmt.Errorf("llm complete: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm complete: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (l *HTTPLLM) Model() string { return l.model }
