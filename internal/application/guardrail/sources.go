package guardrail

import (
	"regexp"
	"strconv"
	"strings"
)

// sourceEntry Sources 区块中的一条引用映射
type sourceEntry struct {
	Index     int
	Reference string
	Anchor    string
}

// parsedOutput 模型输出的结构化视图
type parsedOutput struct {
	Raw     string
	Body    string
	Sources map[int]sourceEntry
	// HasSourcesSection 输出中是否存在可解析的 Sources 区块
	HasSourcesSection bool
}

var (
	// sourcesHeader 区块起始行，如 "Sources:"
	sourcesHeader = regexp.MustCompile(`(?mi)^sources:\s*$`)
	// sourceLine 形如 "[1] Luke.2.4 (p.12)"，锚点可省略
	sourceLine = regexp.MustCompile(`^\[(\d+)\]\s+(\S+)(?:\s+\((.+)\))?\s*$`)
	// citationMarker 正文中的引用标记 [i]
	citationMarker = regexp.MustCompile(`\[(\d+)\]`)
)

// parseOutput 将模型输出拆分为正文与 Sources 映射
func parseOutput(raw string) *parsedOutput {
	out := &parsedOutput{
		Raw:     raw,
		Body:    strings.TrimSpace(raw),
		Sources: make(map[int]sourceEntry),
	}

	loc := sourcesHeader.FindStringIndex(raw)
	if loc == nil {
		return out
	}

	out.Body = strings.TrimSpace(raw[:loc[0]])
	block := raw[loc[1]:]

	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := sourceLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out.Sources[idx] = sourceEntry{
			Index:     idx,
			Reference: m[2],
			Anchor:    strings.TrimSpace(m[3]),
		}
		out.HasSourcesSection = true
	}

	return out
}

// markers 返回正文中出现的全部引用序号（去重，保序）
func (p *parsedOutput) markers() []int {
	var out []int
	seen := make(map[int]struct{})
	for _, m := range citationMarker.FindAllStringSubmatch(p.Body, -1) {
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, idx)
	}
	return out
}

var sentenceEnd = regexp.MustCompile(`[.!?]+(\s+|$)`)

// sentences 将正文粗切为句子
func sentences(body string) []string {
	var out []string
	rest := body
	for {
		loc := sentenceEnd.FindStringIndex(rest)
		if loc == nil {
			break
		}
		s := strings.TrimSpace(rest[:loc[1]])
		if s != "" {
			out = append(out, s)
		}
		rest = rest[loc[1]:]
	}
	if s := strings.TrimSpace(rest); s != "" {
		out = append(out, s)
	}
	return out
}

// isFactual 判断句子是否按事实性陈述对待
// 过短的衔接句不计入引用覆盖率
func isFactual(sentence string) bool {
	return len(strings.Fields(citationMarker.ReplaceAllString(sentence, ""))) >= 4
}

// hasCitation 检查句子是否携带引用标记
func hasCitation(sentence string) bool {
	return citationMarker.MatchString(sentence)
}
