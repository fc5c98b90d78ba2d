package ledger

import (
	"time"

	"scripture-qa-api/internal/domain/entity"
)

// state 台账条目状态，只允许 claimed -> {completed|failed} 的单向迁移
type state int

const (
	stateClaimed state = iota
	stateCompleted
	stateFailed
)

// entry 单个指纹的台账条目
// 字段由 Ledger 的互斥锁保护；done 在进入终态时关闭，
// 等待者只通过 done 与 result 观察条目，不做忙等
type entry struct {
	fingerprint string
	state       state
	createdAt   time.Time
	completedAt time.Time

	// result 终态结果，claimed 状态下为 nil
	result *entity.TerminalResult

	// done 终态信号，关闭后 result 不再变更
	done chan struct{}

	// waiters 当前注册的等待者数量，仅用于观测
	waiters int
}

func newEntry(fingerprint string, now time.Time) *entry {
	return &entry{
		fingerprint: fingerprint,
		state:       stateClaimed,
		createdAt:   now,
		done:        make(chan struct{}),
	}
}

// terminal 检查条目是否处于终态
func (e *entry) terminal() bool {
	return e.state == stateCompleted || e.state == stateFailed
}

// resolve 将条目迁移到终态并释放全部等待者
// 已处于终态时为 no-op，保证状态机单调
func (e *entry) resolve(result *entity.TerminalResult, now time.Time) bool {
	if e.terminal() {
		return false
	}
	if result.State == entity.TerminalCompleted {
		e.state = stateCompleted
	} else {
		e.state = stateFailed
	}
	e.result = result
	e.completedAt = now
	close(e.done)
	return true
}
