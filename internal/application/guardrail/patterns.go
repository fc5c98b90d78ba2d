package guardrail

import (
	"regexp"
)

// safetyPattern 一条安全扫描模式，按表顺序求值
type safetyPattern struct {
	name   string
	re     *regexp.Regexp
	reason string
}

// defaultSafetyPatterns 安全模式表
// 新增规则按追加处理，不引入分支逻辑
var defaultSafetyPatterns = []safetyPattern{
	{
		name:   "prompt_injection_ignore",
		re:     regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions`),
		reason: "output echoes a prompt-injection marker",
	},
	{
		name:   "prompt_injection_disregard",
		re:     regexp.MustCompile(`(?i)disregard\s+(the\s+|your\s+)?system\s+prompt`),
		reason: "output echoes a prompt-injection marker",
	},
	{
		name:   "system_prompt_leak",
		re:     regexp.MustCompile(`(?i)(my|the)\s+system\s+prompt\s+(is|says|reads)`),
		reason: "output leaks system prompt content",
	},
	{
		name:   "role_override",
		re:     regexp.MustCompile(`(?i)you\s+are\s+now\s+(DAN|in\s+developer\s+mode)`),
		reason: "output echoes a role-override jailbreak marker",
	},
	{
		name:   "weapon_instructions",
		re:     regexp.MustCompile(`(?i)how\s+to\s+(build|make|synthesi[sz]e)\s+(a\s+|an\s+)?(bomb|explosive|nerve\s+agent|bioweapon)`),
		reason: "output contains disallowed weapons content",
	},
	{
		name:   "self_harm_instructions",
		re:     regexp.MustCompile(`(?i)(best|effective)\s+(way|method)s?\s+to\s+(kill|harm)\s+(yourself|oneself)`),
		reason: "output contains disallowed self-harm content",
	},
}
