// Package dto 提供 HTTP 层数据传输对象
package dto

import (
	"time"

	"scripture-qa-api/internal/application/answer"
	"scripture-qa-api/internal/domain/entity"
)

// AnswerRequest 问答请求
type AnswerRequest struct {
	Question string `json:"question" binding:"required,max=5000"`
	// Range 规范化引用范围过滤，形如 Luke.2.1-Luke.2.7，可选
	Range string `json:"range,omitempty"`
	TopK  int    `json:"top_k,omitempty"`
	Model string `json:"model,omitempty"`
}

// AnswerCitation 应答引用
type AnswerCitation struct {
	Index     int    `json:"index"`
	Reference string `json:"reference"`
	Anchor    string `json:"anchor,omitempty"`
}

// AnswerRefusal 结构化拒答
type AnswerRefusal struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Rule    string `json:"rule,omitempty"`
	Span    string `json:"span,omitempty"`
}

// AnswerResponse 问答响应
// Body 与 Refusal 恰有一个非空
type AnswerResponse struct {
	Body        string           `json:"body,omitempty"`
	Citations   []AnswerCitation `json:"citations,omitempty"`
	Refusal     *AnswerRefusal   `json:"refusal,omitempty"`
	ModelID     string           `json:"model_id,omitempty"`
	Fingerprint string           `json:"fingerprint,omitempty"`
	Replayed    bool             `json:"replayed"`
	GeneratedAt *time.Time       `json:"generated_at,omitempty"`
}

// FromAnswerResult 将编排结果转换为响应
func FromAnswerResult(result *answer.Result) *AnswerResponse {
	resp := &AnswerResponse{
		Fingerprint: result.Fingerprint,
		Replayed:    result.Replayed,
	}
	if result.Refusal != nil {
		resp.Refusal = &AnswerRefusal{
			Code:    string(result.Refusal.Code),
			Message: result.Refusal.Message,
			Rule:    result.Refusal.Rule,
			Span:    result.Refusal.Span,
		}
		return resp
	}
	resp.Body = result.Answer.Body
	resp.ModelID = result.Answer.ModelID
	resp.Citations = toCitations(result.Answer.Citations)
	if !result.Answer.GeneratedAt.IsZero() {
		t := result.Answer.GeneratedAt
		resp.GeneratedAt = &t
	}
	return resp
}

func toCitations(citations []entity.Citation) []AnswerCitation {
	out := make([]AnswerCitation, 0, len(citations))
	for _, c := range citations {
		out = append(out, AnswerCitation{
			Index:     c.Index,
			Reference: c.Reference,
			Anchor:    c.Anchor,
		})
	}
	return out
}
