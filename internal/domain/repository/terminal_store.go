// Package repository 定义数据访问层接口
package repository

import (
	"context"

	"scripture-qa-api/internal/domain/entity"
)

// TerminalStore 台账终态结果的持久化接口
// 内存台账作为它前面的缓存；进程重启后靠它恢复已完成的结果
type TerminalStore interface {
	// LoadTerminal 加载指定指纹的终态结果，不存在时返回 (nil, nil)
	LoadTerminal(ctx context.Context, fingerprint string) (*entity.TerminalResult, error)
	// SaveTerminal 保存终态结果，按 TTL 过期
	SaveTerminal(ctx context.Context, result *entity.TerminalResult) error
	// DeleteTerminal 删除终态结果（随台账逐出一并清理）
	DeleteTerminal(ctx context.Context, fingerprint string) error
}
