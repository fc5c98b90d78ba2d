// Package guardrail 提供生成输出的引用与安全校验
//
// 校验器是 (model_output, bundle) 上的纯函数，规则按表顺序求值，
// 首个失败即返回，不做任何 I/O。
package guardrail

import (
	"fmt"
	"strings"
	"time"

	"scripture-qa-api/internal/application/retrieval"
	"scripture-qa-api/internal/domain/entity"
	"scripture-qa-api/pkg/metrics"
)

const defaultMinCitedRatio = 0.6

// Validator 守护校验器
type Validator struct {
	minCitedRatio float64
	rules         []rule
	patterns      []safetyPattern
}

// rule 一条按序求值的校验规则
type rule struct {
	id    RuleID
	check func(v *Validator, out *parsedOutput, bundle *retrieval.Bundle) *Violation
}

// NewValidator 创建守护校验器
// minCitedRatio 为带引用事实句的最低占比，超出 [0,1] 时取默认值
func NewValidator(minCitedRatio float64) *Validator {
	if minCitedRatio <= 0 || minCitedRatio > 1 {
		minCitedRatio = defaultMinCitedRatio
	}
	return &Validator{
		minCitedRatio: minCitedRatio,
		rules: []rule{
			{RuleNonEmpty, (*Validator).checkNonEmpty},
			{RuleSourcesPresent, (*Validator).checkSourcesPresent},
			{RuleCitationLegitimacy, (*Validator).checkCitationLegitimacy},
			{RuleCitationCoverage, (*Validator).checkCoverage},
			{RuleSafetyPattern, (*Validator).checkSafetyPatterns},
		},
		patterns: defaultSafetyPatterns,
	}
}

// Validate 校验模型输出
// 通过时返回结构化应答，失败时返回首个违规
func (v *Validator) Validate(modelOutput string, modelID string, bundle *retrieval.Bundle) (*entity.Answer, *Violation) {
	parsed := parseOutput(modelOutput)

	for _, r := range v.rules {
		if violation := r.check(v, parsed, bundle); violation != nil {
			metrics.GuardrailVerdicts.WithLabelValues(string(r.id), "reject").Inc()
			return nil, violation
		}
		metrics.GuardrailVerdicts.WithLabelValues(string(r.id), "pass").Inc()
	}

	citations := make([]entity.Citation, 0, len(parsed.Sources))
	for _, idx := range parsed.markers() {
		entry := parsed.Sources[idx]
		citations = append(citations, entity.Citation{
			Index:     entry.Index,
			Reference: entry.Reference,
			Anchor:    entry.Anchor,
		})
	}

	return &entity.Answer{
		Body:        parsed.Body,
		Citations:   citations,
		ModelID:     modelID,
		GeneratedAt: time.Now().UTC(),
	}, nil
}

// checkNonEmpty 规则 1：正文不可为空白
func (v *Validator) checkNonEmpty(out *parsedOutput, _ *retrieval.Bundle) *Violation {
	if strings.TrimSpace(out.Body) == "" {
		return &Violation{
			Rule:   RuleNonEmpty,
			Reason: "answer body is empty",
		}
	}
	return nil
}

// checkSourcesPresent 规则 2：必须存在可解析的 Sources 区块
func (v *Validator) checkSourcesPresent(out *parsedOutput, _ *retrieval.Bundle) *Violation {
	if !out.HasSourcesSection {
		return &Violation{
			Rule:   RuleSourcesPresent,
			Reason: "output lacks a parseable Sources section",
		}
	}
	return nil
}

// checkCitationLegitimacy 规则 3：引用合法性
// 正文引用必须出现在 Sources 中；序号不得越界；
// 引用字符串必须与其声称引用的候选一致，否则按捏造处理。
func (v *Validator) checkCitationLegitimacy(out *parsedOutput, bundle *retrieval.Bundle) *Violation {
	n := 0
	if bundle != nil {
		n = len(bundle.Candidates)
	}

	for _, idx := range out.markers() {
		if _, ok := out.Sources[idx]; !ok {
			return &Violation{
				Rule:          RuleCitationLegitimacy,
				Reason:        fmt.Sprintf("citation [%d] used in body but missing from Sources", idx),
				CitationIndex: idx,
			}
		}
	}

	for idx, entry := range out.Sources {
		if idx < 1 || idx > n {
			return &Violation{
				Rule:          RuleCitationLegitimacy,
				Reason:        fmt.Sprintf("citation [%d] exceeds the %d retrieved candidates", idx, n),
				CitationIndex: idx,
			}
		}
		candidate := bundle.Candidates[idx-1]
		if !referenceMatches(entry.Reference, candidate) {
			return &Violation{
				Rule:          RuleCitationLegitimacy,
				Reason:        fmt.Sprintf("reference %q is not present in the cited candidate", entry.Reference),
				Span:          entry.Reference,
				CitationIndex: idx,
			}
		}
	}

	return nil
}

// referenceMatches 检查引用字符串确实出自候选片段
// 候选带范围标签时要求引用落入标签范围，否则退回文本与文档 ID 匹配
func referenceMatches(reference string, candidate *retrieval.Candidate) bool {
	p := candidate.Passage

	if tag, err := p.Range(); err == nil && tag != nil {
		if cited, err := entity.ParseRange(reference); err == nil {
			return tag.Intersects(cited)
		}
	}
	if reference == p.DocumentID {
		return true
	}
	return strings.Contains(p.Text, reference)
}

// checkCoverage 规则 4：引用覆盖率
// 事实句中带引用标记的占比不得低于阈值
func (v *Validator) checkCoverage(out *parsedOutput, _ *retrieval.Bundle) *Violation {
	var factual, cited int
	var firstUncited string

	for _, s := range sentences(out.Body) {
		if !isFactual(s) {
			continue
		}
		factual++
		if hasCitation(s) {
			cited++
		} else if firstUncited == "" {
			firstUncited = s
		}
	}

	if factual == 0 {
		return nil
	}

	ratio := float64(cited) / float64(factual)
	if ratio < v.minCitedRatio {
		return &Violation{
			Rule:   RuleCitationCoverage,
			Reason: fmt.Sprintf("only %d of %d factual sentences carry citations (min ratio %.2f)", cited, factual, v.minCitedRatio),
			Span:   firstUncited,
		}
	}
	return nil
}

// checkSafetyPatterns 规则 5：安全模式扫描
// 命中任何一条模式立即违规，与引用正确性无关
func (v *Validator) checkSafetyPatterns(out *parsedOutput, _ *retrieval.Bundle) *Violation {
	for _, p := range v.patterns {
		if loc := p.re.FindString(out.Raw); loc != "" {
			return &Violation{
				Rule:   RuleSafetyPattern,
				Reason: p.reason,
				Span:   loc,
			}
		}
	}
	return nil
}
