package guardrail

import (
	"fmt"
)

// RuleID 守护规则标识
type RuleID string

const (
	RuleNonEmpty           RuleID = "non_empty"
	RuleSourcesPresent     RuleID = "sources_present"
	RuleCitationLegitimacy RuleID = "citation_legitimacy"
	RuleCitationCoverage   RuleID = "citation_coverage"
	RuleSafetyPattern      RuleID = "safety_pattern"
)

// Violation 结构化拒答记录
// 不持久化，仅随响应返回并由外部审计日志收集
type Violation struct {
	Rule   RuleID `json:"rule"`
	Reason string `json:"reason"`
	// Span 违规文本片段，可为空
	Span string `json:"span,omitempty"`
	// CitationIndex 违规引用序号，0 表示与引用无关
	CitationIndex int `json:"citation_index,omitempty"`
}

// Error 实现 error 接口，便于随错误链传递
func (v *Violation) Error() string {
	return fmt.Sprintf("guardrail violation [%s]: %s", v.Rule, v.Reason)
}
