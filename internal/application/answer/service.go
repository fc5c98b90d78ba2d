// Package answer 编排一次受守护的问答：检索、认领、生成、校验、落账
package answer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"scripture-qa-api/internal/application/guardrail"
	"scripture-qa-api/internal/application/ledger"
	"scripture-qa-api/internal/application/retrieval"
	"scripture-qa-api/internal/domain/entity"
	"scripture-qa-api/pkg/errors"
	"scripture-qa-api/pkg/logger"
	"scripture-qa-api/pkg/metrics"
)

var tracer = otel.Tracer("answer")

// Generator 大模型生成客户端
type Generator interface {
	// Generate 以指定模型执行一次补全，返回原始模型输出
	Generate(ctx context.Context, modelID string, prompt string) (string, error)
}

// Request 一次问答请求
type Request struct {
	Question    string
	RangeFilter string
	TopK        int
	ModelID     string
}

// Result 一次问答的最终结果
// Answer 与 Refusal 恰有一个非空；Replayed 表示结果来自台账重放
type Result struct {
	Answer      *entity.Answer `json:"answer,omitempty"`
	Refusal     *Refusal       `json:"refusal,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Replayed    bool           `json:"replayed"`
}

// Refusal 结构化拒答，区分无证据与守护拦截
type Refusal struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
	// Rule 守护拦截时违反的规则标识
	Rule string `json:"rule,omitempty"`
	// Span 触发违规的原文片段，可为空
	Span string `json:"span,omitempty"`
}

// Service 问答编排服务
type Service struct {
	engine    *retrieval.Engine
	validator *guardrail.Validator
	ledger    *ledger.Ledger
	generator Generator

	defaultModel string
}

// NewService 创建问答编排服务
func NewService(engine *retrieval.Engine, validator *guardrail.Validator, led *ledger.Ledger, generator Generator, defaultModel string) *Service {
	return &Service{
		engine:       engine,
		validator:    validator,
		ledger:       led,
		generator:    generator,
		defaultModel: defaultModel,
	}
}

// Answer 执行一次完整的问答流程
//
// 流程顺序固定：先检索，空结果直接拒答，不触碰台账与模型；
// 随后按指纹认领，认领成功者执行生成与守护校验并写入终态，
// 等待者与重放者共享同一终态结果
func (s *Service) Answer(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()
	modelID := req.ModelID
	if modelID == "" {
		modelID = s.defaultModel
	}
	ctx = logger.WithContext(ctx, logger.ModelIDKey, modelID)

	ctx, span := tracer.Start(ctx, "Answer",
		trace.WithAttributes(attribute.String("answer.model_id", modelID)))
	defer span.End()

	result, err := s.answer(ctx, req, modelID)
	outcome := outcomeLabel(result, err)
	metrics.AnswerTotal.WithLabelValues(outcome).Inc()
	metrics.AnswerDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
	}
	return result, err
}

func (s *Service) answer(ctx context.Context, req *Request, modelID string) (*Result, error) {
	bundle, err := s.engine.Retrieve(ctx, req.Question, req.RangeFilter, req.TopK)
	if err != nil {
		return nil, err
	}
	if bundle.Empty() {
		logger.Info(ctx, "no evidence retrieved, refusing without generation")
		return &Result{Refusal: &Refusal{
			Code:    errors.CodeNoEvidence,
			Message: errors.ErrNoEvidence.Message,
		}}, nil
	}

	fingerprint := Fingerprint(modelID, req.Question, bundle)
	ctx = logger.WithContext(ctx, logger.FingerprintKey, fingerprint)

	claim, err := s.ledger.ClaimOrWait(ctx, fingerprint)
	if err != nil {
		return nil, err
	}

	if claim.Outcome == ledger.OutcomeClaimed {
		s.generate(ctx, req.Question, modelID, fingerprint, bundle)
	}

	terminal, err := s.ledger.Wait(ctx, claim)
	if err != nil {
		return nil, err
	}
	return s.fromTerminal(terminal, fingerprint, claim.Outcome)
}

// generate 执行生成与守护校验，并把终态写入台账
// 所有失败路径都必须落账，否则等待者会阻塞到超时
func (s *Service) generate(ctx context.Context, question, modelID, fingerprint string, bundle *retrieval.Bundle) {
	ctx, span := tracer.Start(ctx, "Generate",
		trace.WithAttributes(attribute.String("answer.fingerprint", fingerprint)))
	defer span.End()

	prompt := BuildPrompt(question, bundle)

	output, err := s.callModel(ctx, modelID, prompt)
	if err != nil {
		span.RecordError(err)
		if failErr := s.ledger.Fail(ctx, fingerprint, err); failErr != nil {
			logger.Error(ctx, "failed to record generation failure", failErr)
		}
		return
	}

	ans, violation := s.validator.Validate(output, modelID, bundle)
	if violation != nil {
		logger.Warn(ctx, "guardrail rejected model output",
			"rule", violation.Rule, "reason", violation.Reason)
		rejErr := errors.New(errors.CodeGuardrailRejected, violation.Reason)
		span.RecordError(rejErr)
		// 规则与触发片段随终态落账，等待者与重放方还原同一结构化拒答
		if failErr := s.ledger.Reject(ctx, fingerprint, rejErr,
			string(violation.Rule), violation.Span); failErr != nil {
			logger.Error(ctx, "failed to record guardrail rejection", failErr)
		}
		return
	}

	if err := s.ledger.Complete(ctx, fingerprint, ans); err != nil {
		logger.Error(ctx, "failed to record completed answer", err)
	}
}

// callModel 调用模型，瞬时错误允许一次重试
func (s *Service) callModel(ctx context.Context, modelID, prompt string) (string, error) {
	start := time.Now()
	output, err := s.generator.Generate(ctx, modelID, prompt)
	metrics.LLMCallDuration.WithLabelValues(modelID).Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.LLMCallTotal.WithLabelValues(modelID, "ok").Inc()
		return output, nil
	}
	metrics.LLMCallTotal.WithLabelValues(modelID, "error").Inc()

	if !isTransient(err) || ctx.Err() != nil {
		return "", err
	}
	logger.Warn(ctx, "transient generation error, retrying once", "error", err.Error())

	start = time.Now()
	output, retryErr := s.generator.Generate(ctx, modelID, prompt)
	metrics.LLMCallDuration.WithLabelValues(modelID).Observe(time.Since(start).Seconds())
	if retryErr != nil {
		metrics.LLMCallTotal.WithLabelValues(modelID, "error").Inc()
		return "", retryErr
	}
	metrics.LLMCallTotal.WithLabelValues(modelID, "ok").Inc()
	return output, nil
}

// isTransient 判断生成错误是否值得重试一次
// 守护拒绝与参数类错误重试无意义，只有超时与提供方故障可重试
func isTransient(err error) bool {
	return errors.HasCode(err, errors.CodeTimeout) ||
		errors.HasCode(err, errors.CodeLLMProviderError) ||
		errors.HasCode(err, errors.CodeServiceUnavailable)
}

// fromTerminal 把台账终态翻译为对外结果
func (s *Service) fromTerminal(terminal *entity.TerminalResult, fingerprint string, outcome ledger.ClaimOutcome) (*Result, error) {
	replayed := outcome == ledger.OutcomeReplayed
	if terminal.Succeeded() {
		return &Result{
			Answer:      terminal.Answer,
			Fingerprint: fingerprint,
			Replayed:    replayed,
		}, nil
	}

	code := errors.ErrorCode(terminal.ErrorCode)
	if code == errors.CodeGuardrailRejected {
		return &Result{
			Refusal: &Refusal{
				Code:    code,
				Message: terminal.ErrorMessage,
				Rule:    terminal.Rule,
				Span:    terminal.Span,
			},
			Fingerprint: fingerprint,
			Replayed:    replayed,
		}, nil
	}
	return nil, errors.New(code, terminal.ErrorMessage)
}

func outcomeLabel(result *Result, err error) string {
	switch {
	case err != nil:
		return "error"
	case result.Refusal != nil && result.Refusal.Code == errors.CodeNoEvidence:
		return "no_evidence"
	case result.Refusal != nil:
		return "refused"
	default:
		return "answered"
	}
}
