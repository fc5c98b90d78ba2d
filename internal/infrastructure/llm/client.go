// Package llm 提供大模型生成客户端
package llm

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"scripture-qa-api/internal/config"
	"scripture-qa-api/pkg/errors"
	"scripture-qa-api/pkg/metrics"
)

var tracer = otel.Tracer("llm")

// provider 单个模型提供方及其已初始化的客户端
type provider struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
}

// Client OpenAI 协议的生成客户端，按模型 ID 路由到对应提供方
type Client struct {
	providers    map[string]*provider
	defaultModel string
}

// NewClient 根据配置初始化全部提供方
func NewClient(cfg *config.LLMConfig) (*Client, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no llm providers configured")
	}

	providers := make(map[string]*provider, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		clientCfg := openai.DefaultConfig(pc.APIKey)
		if pc.BaseURL != "" {
			clientCfg.BaseURL = pc.BaseURL
		}
		timeout := pc.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		p := &provider{
			client:      openai.NewClientWithConfig(clientCfg),
			model:       pc.Model,
			maxTokens:   pc.MaxTokens,
			temperature: float32(pc.Temperature),
			timeout:     timeout,
		}
		providers[name] = p
		if pc.Model != "" && pc.Model != name {
			providers[pc.Model] = p
		}
	}

	return &Client{
		providers:    providers,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (c *Client) resolve(modelID string) (*provider, error) {
	if modelID == "" {
		modelID = c.defaultModel
	}
	if p, ok := c.providers[modelID]; ok {
		return p, nil
	}
	return nil, errors.New(errors.CodeInvalidParam, "unknown model").WithDetail(modelID)
}

// Generate 执行一次对话补全并返回原始文本输出
func (c *Client) Generate(ctx context.Context, modelID string, prompt string) (string, error) {
	p, err := c.resolve(modelID)
	if err != nil {
		return "", err
	}

	ctx, span := tracer.Start(ctx, "llm.Generate",
		trace.WithAttributes(attribute.String("llm.model", modelID)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	})
	if err != nil {
		span.RecordError(err)
		return "", translateError(err)
	}

	metrics.LLMTokensUsed.WithLabelValues(modelID, "prompt").Add(float64(resp.Usage.PromptTokens))
	metrics.LLMTokensUsed.WithLabelValues(modelID, "completion").Add(float64(resp.Usage.CompletionTokens))

	if len(resp.Choices) == 0 {
		return "", errors.ErrGenerationFailed.WithDetail("empty choices in completion response")
	}
	return resp.Choices[0].Message.Content, nil
}

// translateError 把传输层错误归入可重试与不可重试两类
func translateError(err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.ErrGenerationTimeout.WithError(err)
	}

	var apiErr *openai.APIError
	if stderrors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500 {
			return errors.New(errors.CodeLLMProviderError, "llm provider error").WithError(err)
		}
		return errors.New(errors.CodeGenerationFailed, "generation rejected by provider").WithError(err)
	}
	return errors.New(errors.CodeLLMProviderError, "llm call failed").WithError(err)
}
