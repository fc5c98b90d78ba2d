// Package entity 定义领域实体
package entity

import (
	"time"
)

// Citation 应答中的一条引用，index 对应正文中的 [i] 标记
type Citation struct {
	Index     int    `json:"index"`
	Reference string `json:"reference"`
	Anchor    string `json:"anchor,omitempty"`
}

// Answer 通过守护校验的生成应答
type Answer struct {
	Body        string     `json:"body"`
	Citations   []Citation `json:"citations"`
	ModelID     string     `json:"model_id"`
	GeneratedAt time.Time  `json:"generated_at"`
}

// TerminalState 台账条目终态
type TerminalState string

const (
	TerminalCompleted TerminalState = "completed"
	TerminalFailed    TerminalState = "failed"
)

// TerminalResult 一次生成尝试的终态结果，持久化后用于重启恢复与重放
type TerminalResult struct {
	Fingerprint  string        `json:"fingerprint"`
	State        TerminalState `json:"state"`
	Answer       *Answer       `json:"answer,omitempty"`
	ErrorCode    string        `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	// Rule 守护拦截时违反的规则标识，仅失败终态使用
	Rule string `json:"rule,omitempty"`
	// Span 触发违规的原文片段，可为空
	Span        string    `json:"span,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Succeeded 检查结果是否为成功终态
func (r *TerminalResult) Succeeded() bool {
	return r != nil && r.State == TerminalCompleted
}
