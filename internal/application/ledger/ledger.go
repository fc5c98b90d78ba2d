// Package ledger 提供按指纹去重的在途生成台账
//
// 台账保证同一指纹至多一次并发生成：首个请求认领后执行生成，
// 其余请求注册为等待者；终态结果写入持久化存储，
// 重启后对同一指纹的请求直接重放而不重新生成。
package ledger

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"scripture-qa-api/internal/domain/entity"
	"scripture-qa-api/internal/domain/repository"
	"scripture-qa-api/pkg/errors"
	"scripture-qa-api/pkg/logger"
	"scripture-qa-api/pkg/metrics"
)

var tracer = otel.Tracer("ledger")

// ClaimOutcome 认领结果
type ClaimOutcome string

const (
	// OutcomeClaimed 本请求获得认领，需要执行生成并调用 Complete/Fail
	OutcomeClaimed ClaimOutcome = "claimed"
	// OutcomeWaiting 已有在途认领，本请求注册为等待者
	OutcomeWaiting ClaimOutcome = "waiting"
	// OutcomeReplayed 指纹已有终态结果，立即重放
	OutcomeReplayed ClaimOutcome = "replayed"
)

// Claim 一次 ClaimOrWait 的结果句柄
type Claim struct {
	Outcome ClaimOutcome
	// Result 重放路径上立即可用的终态结果，其余路径为 nil
	Result *entity.TerminalResult

	entry *entry
}

// Ledger 在途生成台账
// 内存条目表是持久化存储前面的缓存；显式构造、注入使用，
// 进程启动时 Start，关闭时 Close
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*entry

	store         repository.TerminalStore
	ttl           time.Duration
	sweepInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// now 便于测试注入时钟
	now func() time.Time
}

// New 创建台账
func New(store repository.TerminalStore, ttl, sweepInterval time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &Ledger{
		entries:       make(map[string]*entry),
		store:         store,
		ttl:           ttl,
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
		now:           time.Now,
	}
}

// Start 启动终态条目的 TTL 回收
func (l *Ledger) Start() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stopCh:
				return
			case <-ticker.C:
				l.sweep(context.Background())
			}
		}
	}()
}

// Close 停止回收并等待后台任务退出
func (l *Ledger) Close() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	l.wg.Wait()
}

// ClaimOrWait 原子地认领指纹或加入等待
//
// 指纹无内存条目时先占位认领，再查询持久化存储：
// 存在保留的终态结果则立即解析并重放（重启恢复路径），
// 否则由本请求执行生成。这一次存储查询是重启后等待者
// 不会无限阻塞的关键。
func (l *Ledger) ClaimOrWait(ctx context.Context, fingerprint string) (*Claim, error) {
	ctx, span := tracer.Start(ctx, "ledger.ClaimOrWait",
		trace.WithAttributes(attribute.String("ledger.fingerprint", fingerprint)))
	defer span.End()

	l.mu.Lock()
	if e, ok := l.entries[fingerprint]; ok {
		if e.terminal() {
			result := e.result
			l.mu.Unlock()
			span.SetAttributes(attribute.String("ledger.outcome", string(OutcomeReplayed)))
			metrics.LedgerClaims.WithLabelValues("replayed").Inc()
			return &Claim{Outcome: OutcomeReplayed, Result: result}, nil
		}
		e.waiters++
		l.mu.Unlock()
		span.SetAttributes(attribute.String("ledger.outcome", string(OutcomeWaiting)))
		metrics.LedgerClaims.WithLabelValues("waiting").Inc()
		metrics.LedgerWaiters.Inc()
		return &Claim{Outcome: OutcomeWaiting, entry: e}, nil
	}

	e := newEntry(fingerprint, l.now())
	l.entries[fingerprint] = e
	metrics.LedgerEntries.Set(float64(len(l.entries)))
	l.mu.Unlock()

	// 查询持久化存储；存储故障按缺失处理而不是阻塞生成
	preserved, err := l.store.LoadTerminal(ctx, fingerprint)
	if err != nil {
		logger.Warn(ctx, "terminal store lookup failed, proceeding with fresh claim",
			"fingerprint", fingerprint, "error", err.Error())
	}
	if preserved != nil {
		l.mu.Lock()
		e.resolve(preserved, l.now())
		l.mu.Unlock()
		span.SetAttributes(attribute.String("ledger.outcome", "recovered"))
		metrics.LedgerClaims.WithLabelValues("recovered").Inc()
		return &Claim{Outcome: OutcomeReplayed, Result: preserved}, nil
	}

	span.SetAttributes(attribute.String("ledger.outcome", string(OutcomeClaimed)))
	metrics.LedgerClaims.WithLabelValues("claimed").Inc()
	return &Claim{Outcome: OutcomeClaimed, entry: e}, nil
}

// Wait 阻塞等待在途认领进入终态
//
// ctx 取消只对本等待者生效，不影响在途生成与其他等待者。
// 条目被释放却没有终态结果时（不应发生），先回查持久化存储，
// 仍无结果则保守失败而非重新生成。
func (l *Ledger) Wait(ctx context.Context, claim *Claim) (*entity.TerminalResult, error) {
	if claim.Result != nil {
		return claim.Result, nil
	}
	if claim.entry == nil {
		return nil, errors.ErrLedgerConflict.WithDetail("wait called without a registered entry")
	}

	ctx, span := tracer.Start(ctx, "ledger.Wait",
		trace.WithAttributes(attribute.String("ledger.fingerprint", claim.entry.fingerprint)))
	defer span.End()

	select {
	case <-ctx.Done():
		l.unregisterWaiter(claim)
		span.RecordError(ctx.Err())
		return nil, ctx.Err()
	case <-claim.entry.done:
	}

	l.mu.Lock()
	result := claim.entry.result
	l.mu.Unlock()
	l.unregisterWaiter(claim)

	if result == nil {
		// 条目被释放却丢失终态：回查存储一次再放弃
		preserved, err := l.store.LoadTerminal(ctx, claim.entry.fingerprint)
		if err == nil && preserved != nil {
			return preserved, nil
		}
		span.RecordError(errors.ErrLedgerConflict)
		return nil, errors.ErrLedgerConflict
	}
	return result, nil
}

// unregisterWaiter 注销一个等待者；认领者从未注册，计数保持不动
func (l *Ledger) unregisterWaiter(claim *Claim) {
	if claim.Outcome != OutcomeWaiting {
		return
	}
	l.mu.Lock()
	if claim.entry.waiters > 0 {
		claim.entry.waiters--
	}
	l.mu.Unlock()
	metrics.LedgerWaiters.Dec()
}

// Complete 将认领迁移到成功终态并释放全部等待者
func (l *Ledger) Complete(ctx context.Context, fingerprint string, answer *entity.Answer) error {
	result := &entity.TerminalResult{
		Fingerprint: fingerprint,
		State:       entity.TerminalCompleted,
		Answer:      answer,
		CompletedAt: l.now().UTC(),
	}
	return l.finish(ctx, fingerprint, result)
}

// Fail 将认领迁移到失败终态并以同一错误释放全部等待者
// 条目在 TTL 内保持终态，相同指纹的快速重试直接得到该失败
func (l *Ledger) Fail(ctx context.Context, fingerprint string, cause error) error {
	return l.failWith(ctx, fingerprint, cause, "", "")
}

// Reject 以守护拦截的失败终态落账，记录违反的规则与触发片段
// 等待者与 TTL 内的重放方据此还原结构化拒答
func (l *Ledger) Reject(ctx context.Context, fingerprint string, cause error, ruleID, span string) error {
	return l.failWith(ctx, fingerprint, cause, ruleID, span)
}

func (l *Ledger) failWith(ctx context.Context, fingerprint string, cause error, ruleID, span string) error {
	appErr := errors.AsAppError(cause)
	result := &entity.TerminalResult{
		Fingerprint:  fingerprint,
		State:        entity.TerminalFailed,
		ErrorCode:    string(appErr.Code),
		ErrorMessage: appErr.Message,
		Rule:         ruleID,
		Span:         span,
		CompletedAt:  l.now().UTC(),
	}
	return l.finish(ctx, fingerprint, result)
}

// finish 持久化终态结果后在内存中解析条目
// 先写存储保证重启后可重放；存储故障降级为仅内存终态
func (l *Ledger) finish(ctx context.Context, fingerprint string, result *entity.TerminalResult) error {
	ctx, span := tracer.Start(ctx, "ledger.finish",
		trace.WithAttributes(
			attribute.String("ledger.fingerprint", fingerprint),
			attribute.String("ledger.state", string(result.State)),
		))
	defer span.End()

	if err := l.store.SaveTerminal(ctx, result); err != nil {
		span.RecordError(err)
		logger.Error(ctx, "failed to persist terminal result", err, "fingerprint", fingerprint)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[fingerprint]
	if !ok {
		// 条目缺失（例如存储恢复路径上从未建立），补建终态条目以供重放
		e = newEntry(fingerprint, l.now())
		l.entries[fingerprint] = e
		metrics.LedgerEntries.Set(float64(len(l.entries)))
	}
	if !e.resolve(result, l.now()) {
		return errors.ErrLedgerConflict.WithDetail("entry already terminal")
	}
	return nil
}

// Evict 回收到期的终态条目；在途认领永不回收
func (l *Ledger) Evict(ctx context.Context, fingerprint string) bool {
	l.mu.Lock()
	e, ok := l.entries[fingerprint]
	if !ok || !e.terminal() || l.now().Sub(e.completedAt) < l.ttl {
		l.mu.Unlock()
		return false
	}
	delete(l.entries, fingerprint)
	metrics.LedgerEntries.Set(float64(len(l.entries)))
	l.mu.Unlock()

	if err := l.store.DeleteTerminal(ctx, fingerprint); err != nil {
		logger.Warn(ctx, "failed to delete terminal result from store",
			"fingerprint", fingerprint, "error", err.Error())
	}
	metrics.LedgerEvictions.Inc()
	return true
}

// sweep 扫描并回收全部到期终态条目
func (l *Ledger) sweep(ctx context.Context) {
	l.mu.Lock()
	var expired []string
	now := l.now()
	for fp, e := range l.entries {
		if e.terminal() && now.Sub(e.completedAt) >= l.ttl {
			expired = append(expired, fp)
		}
	}
	l.mu.Unlock()

	for _, fp := range expired {
		l.Evict(ctx, fp)
	}
}

// Len 返回当前条目数量
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
