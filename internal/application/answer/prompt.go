package answer

import (
	"fmt"
	"strings"

	"scripture-qa-api/internal/application/retrieval"
	"scripture-qa-api/internal/domain/entity"
)

const promptPreamble = `You are a scripture study assistant. Answer the question using ONLY the evidence passages below.
Rules:
1. Cite evidence with bracketed markers like [1] immediately after each factual claim.
2. Only cite passage numbers that appear in the evidence list.
3. If the evidence does not answer the question, say so plainly.
4. End your reply with a "Sources:" section, one line per cited passage, in the form:
   [n] <reference> (<anchor>)`

// passageReference 候选片段对外展示的引用标识
// 优先使用规范化引用标签，未标注经文范围时退回文档 ID
func passageReference(p *entity.Passage) string {
	if p.RefStart != "" {
		if p.RefEnd != "" && p.RefEnd != p.RefStart {
			return p.RefStart + "-" + p.RefEnd
		}
		return p.RefStart
	}
	return p.DocumentID
}

// passageAnchor 候选片段的锚点描述，无锚点时返回空串
func passageAnchor(p *entity.Passage) string {
	if p.Page > 0 {
		return fmt.Sprintf("p.%d", p.Page)
	}
	if p.TimeEndMs > p.TimeStartMs {
		return fmt.Sprintf("%s-%s", formatTimecode(p.TimeStartMs), formatTimecode(p.TimeEndMs))
	}
	return ""
}

func formatTimecode(ms int64) string {
	total := ms / 1000
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, total%3600/60, total%60)
}

// BuildPrompt 根据检索结果组装生成提示词
// 证据按融合得分顺序编号，编号即引用标记的合法取值域
func BuildPrompt(question string, bundle *retrieval.Bundle) string {
	var b strings.Builder
	b.WriteString(promptPreamble)
	b.WriteString("\n\nEvidence:\n")
	for i, c := range bundle.Candidates {
		ref := passageReference(c.Passage)
		if anchor := passageAnchor(c.Passage); anchor != "" {
			ref = ref + " (" + anchor + ")"
		}
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, ref, strings.TrimSpace(c.Passage.Text))
	}
	b.WriteString("Question: ")
	b.WriteString(strings.TrimSpace(question))
	b.WriteString("\n")
	return b.String()
}
