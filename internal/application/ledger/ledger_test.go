package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scripture-qa-api/internal/domain/entity"
	"scripture-qa-api/pkg/errors"
	"scripture-qa-api/pkg/metrics"
)

// memStore 内存版终态存储，模拟持久化层
type memStore struct {
	mu      sync.Mutex
	results map[string]*entity.TerminalResult
	loadErr error
	loads   atomic.Int64
}

func newMemStore() *memStore {
	return &memStore{results: make(map[string]*entity.TerminalResult)}
}

func (s *memStore) LoadTerminal(_ context.Context, fingerprint string) (*entity.TerminalResult, error) {
	s.loads.Add(1)
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[fingerprint], nil
}

func (s *memStore) SaveTerminal(_ context.Context, result *entity.TerminalResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.Fingerprint] = result
	return nil
}

func (s *memStore) DeleteTerminal(_ context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.results, fingerprint)
	return nil
}

func testAnswer(body string) *entity.Answer {
	return &entity.Answer{Body: body, ModelID: "m1"}
}

func TestSingleClaimAmongConcurrentCallers(t *testing.T) {
	store := newMemStore()
	l := New(store, time.Minute, time.Minute)
	ctx := context.Background()

	const callers = 32
	var claimed atomic.Int64
	results := make([]*entity.TerminalResult, callers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			claim, err := l.ClaimOrWait(ctx, "fp-1")
			require.NoError(t, err)
			if claim.Outcome == OutcomeClaimed {
				claimed.Add(1)
				// 模拟生成耗时后完成
				time.Sleep(10 * time.Millisecond)
				require.NoError(t, l.Complete(ctx, "fp-1", testAnswer("the answer")))
			}
			res, err := l.Wait(ctx, claim)
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	close(start)
	wg.Wait()

	// 恰好一次生成，所有调用方得到同一终态
	assert.Equal(t, int64(1), claimed.Load())
	for _, res := range results {
		require.NotNil(t, res)
		assert.True(t, res.Succeeded())
		assert.Equal(t, "the answer", res.Answer.Body)
	}
}

func TestTerminalEntryReplaysImmediately(t *testing.T) {
	store := newMemStore()
	l := New(store, time.Minute, time.Minute)
	ctx := context.Background()

	claim, err := l.ClaimOrWait(ctx, "fp-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeClaimed, claim.Outcome)
	require.NoError(t, l.Complete(ctx, "fp-1", testAnswer("done")))

	replay, err := l.ClaimOrWait(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplayed, replay.Outcome)
	require.NotNil(t, replay.Result)
	assert.Equal(t, "done", replay.Result.Answer.Body)

	// Wait 对重放路径立即返回
	res, err := l.Wait(ctx, replay)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Answer.Body)
}

func TestRestartRecoveryReplaysPreservedResult(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	// 第一个进程完成生成
	l1 := New(store, time.Minute, time.Minute)
	claim, err := l1.ClaimOrWait(ctx, "fp-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeClaimed, claim.Outcome)
	require.NoError(t, l1.Complete(ctx, "fp-1", testAnswer("survived restart")))

	// 重启：全新台账，内存条目丢失，存储仍保留终态
	l2 := New(store, time.Minute, time.Minute)
	recovered, err := l2.ClaimOrWait(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplayed, recovered.Outcome)
	require.NotNil(t, recovered.Result)
	assert.Equal(t, "survived restart", recovered.Result.Answer.Body)

	// 恢复后的条目已是终态，后续等待者不会永久阻塞
	again, err := l2.ClaimOrWait(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplayed, again.Outcome)
}

func TestFailedEntryReplaysSameErrorBeforeEviction(t *testing.T) {
	store := newMemStore()
	l := New(store, time.Minute, time.Minute)
	ctx := context.Background()

	claim, err := l.ClaimOrWait(ctx, "fp-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeClaimed, claim.Outcome)
	require.NoError(t, l.Fail(ctx, "fp-1", errors.ErrGenerationTimeout))

	// 快速重试直接得到同一失败，不触发第二次生成
	retry, err := l.ClaimOrWait(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplayed, retry.Outcome)
	require.NotNil(t, retry.Result)
	assert.Equal(t, entity.TerminalFailed, retry.Result.State)
	assert.Equal(t, string(errors.CodeTimeout), retry.Result.ErrorCode)
}

func TestRejectRecordsViolatedRule(t *testing.T) {
	store := newMemStore()
	l := New(store, time.Minute, time.Minute)
	ctx := context.Background()

	claim, err := l.ClaimOrWait(ctx, "fp-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeClaimed, claim.Outcome)

	cause := errors.New(errors.CodeGuardrailRejected, "only 1 of 3 factual sentences carry citations")
	require.NoError(t, l.Reject(ctx, "fp-1", cause, "citation_coverage", "The census was vast."))

	retry, err := l.ClaimOrWait(ctx, "fp-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeReplayed, retry.Outcome)
	require.NotNil(t, retry.Result)
	assert.Equal(t, entity.TerminalFailed, retry.Result.State)
	assert.Equal(t, "citation_coverage", retry.Result.Rule)
	assert.Equal(t, "The census was vast.", retry.Result.Span)

	// 持久化结果同样携带规则，重启恢复后可还原结构化拒答
	preserved, err := store.LoadTerminal(ctx, "fp-1")
	require.NoError(t, err)
	require.NotNil(t, preserved)
	assert.Equal(t, "citation_coverage", preserved.Rule)
}

func TestClaimantWaitLeavesWaiterGaugeUntouched(t *testing.T) {
	store := newMemStore()
	l := New(store, time.Minute, time.Minute)
	ctx := context.Background()

	base := testutil.ToFloat64(metrics.LedgerWaiters)

	claim, err := l.ClaimOrWait(ctx, "fp-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeClaimed, claim.Outcome)

	waiter, err := l.ClaimOrWait(ctx, "fp-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeWaiting, waiter.Outcome)
	assert.Equal(t, base+1, testutil.ToFloat64(metrics.LedgerWaiters))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := l.Wait(ctx, claim)
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := l.Wait(ctx, waiter)
		assert.NoError(t, err)
	}()
	require.NoError(t, l.Complete(ctx, "fp-1", testAnswer("done")))
	wg.Wait()

	// 认领者的 Wait 不递减计数，等待者解除后回到基线
	assert.Equal(t, base, testutil.ToFloat64(metrics.LedgerWaiters))
}

func TestFailureBroadcastsToAllWaiters(t *testing.T) {
	store := newMemStore()
	l := New(store, time.Minute, time.Minute)
	ctx := context.Background()

	claim, err := l.ClaimOrWait(ctx, "fp-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeClaimed, claim.Outcome)

	const waiters = 8
	var wg sync.WaitGroup
	states := make([]entity.TerminalState, waiters)
	for i := 0; i < waiters; i++ {
		w, err := l.ClaimOrWait(ctx, "fp-1")
		require.NoError(t, err)
		require.Equal(t, OutcomeWaiting, w.Outcome)
		wg.Add(1)
		go func(i int, w *Claim) {
			defer wg.Done()
			res, err := l.Wait(ctx, w)
			require.NoError(t, err)
			states[i] = res.State
		}(i, w)
	}

	require.NoError(t, l.Fail(ctx, "fp-1", errors.ErrGenerationFailed))
	wg.Wait()

	for _, s := range states {
		assert.Equal(t, entity.TerminalFailed, s)
	}
}

func TestWaiterCancellationIsLocal(t *testing.T) {
	store := newMemStore()
	l := New(store, time.Minute, time.Minute)
	ctx := context.Background()

	claim, err := l.ClaimOrWait(ctx, "fp-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeClaimed, claim.Outcome)

	cancelled, err := l.ClaimOrWait(ctx, "fp-1")
	require.NoError(t, err)
	patient, err := l.ClaimOrWait(ctx, "fp-1")
	require.NoError(t, err)

	// 第一个等待者超时放弃
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = l.Wait(cctx, cancelled)
	assert.ErrorIs(t, err, context.Canceled)

	// 在途生成不受影响，另一个等待者仍得到结果
	done := make(chan *entity.TerminalResult, 1)
	go func() {
		res, err := l.Wait(ctx, patient)
		require.NoError(t, err)
		done <- res
	}()

	require.NoError(t, l.Complete(ctx, "fp-1", testAnswer("still delivered")))
	select {
	case res := <-done:
		assert.Equal(t, "still delivered", res.Answer.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("patient waiter never released")
	}
}

func TestEvictIsNoOpOnClaimedEntries(t *testing.T) {
	store := newMemStore()
	l := New(store, time.Millisecond, time.Minute)
	ctx := context.Background()

	claim, err := l.ClaimOrWait(ctx, "fp-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeClaimed, claim.Outcome)

	assert.False(t, l.Evict(ctx, "fp-1"))
	assert.Equal(t, 1, l.Len())
}

func TestEvictRemovesExpiredTerminalEntries(t *testing.T) {
	store := newMemStore()
	l := New(store, 10*time.Minute, time.Minute)
	ctx := context.Background()

	claim, err := l.ClaimOrWait(ctx, "fp-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeClaimed, claim.Outcome)
	require.NoError(t, l.Complete(ctx, "fp-1", testAnswer("done")))

	// TTL 未到
	assert.False(t, l.Evict(ctx, "fp-1"))

	// 拨快时钟越过 TTL
	l.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	assert.True(t, l.Evict(ctx, "fp-1"))
	assert.Equal(t, 0, l.Len())

	// 逐出后指纹回到 absent，存储结果亦被清理
	res, err := store.LoadTerminal(ctx, "fp-1")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestStoreFailureDowngradesToFreshClaim(t *testing.T) {
	store := newMemStore()
	store.loadErr = assert.AnError
	l := New(store, time.Minute, time.Minute)

	claim, err := l.ClaimOrWait(context.Background(), "fp-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeClaimed, claim.Outcome)
}
