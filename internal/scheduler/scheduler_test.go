package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpickup/backend/internal/accounts"
	"mailpickup/backend/internal/domain"
	"mailpickup/backend/internal/extract"
	"mailpickup/backend/internal/registry"
	"mailpickup/backend/internal/search"
)

// fakeClock 手动推进的时钟，After 返回的通道在 Advance 越过
// 截止时间后收到值。
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, fakeWaiter{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	var keep []fakeWaiter
	for _, w := range c.waiters {
		if w.at.After(c.now) {
			keep = append(keep, w)
			continue
		}
		w.ch <- c.now
	}
	c.waiters = keep
}

// BlockUntil 等待至少 n 个定时器挂起，用于和循环 goroutine 同步。
func (c *fakeClock) BlockUntil(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		cnt := len(c.waiters)
		c.mu.Unlock()
		if cnt >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d pending timers", n)
}

type stubResult struct {
	msgs []domain.Message
	err  error
}

// stubAdapter 每次 Search 把查询发到 calls，然后阻塞等待测试
// 从 results 喂入结果，测试由此完全控制检查节奏。
type stubAdapter struct {
	calls   chan search.Query
	results chan stubResult
}

func newStubAdapter() *stubAdapter {
	return &stubAdapter{
		calls:   make(chan search.Query, 16),
		results: make(chan stubResult, 16),
	}
}

func (a *stubAdapter) Search(ctx context.Context, q search.Query) ([]domain.Message, error) {
	a.calls <- q
	r := <-a.results
	return r.msgs, r.err
}

func (a *stubAdapter) awaitCall(t *testing.T) search.Query {
	t.Helper()
	select {
	case q := <-a.calls:
		return q
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for search call")
		return search.Query{}
	}
}

type stubSubs struct {
	mu      sync.Mutex
	created []string
	deleted []string
	fail    bool
	gate    chan struct{} // 非 nil 时 CreateSubscription 阻塞到通道关闭
}

func (s *stubSubs) CreateSubscription(accountID, addressFilter string) (string, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", errors.New("subscription service unavailable")
	}
	s.created = append(s.created, addressFilter)
	return "sub-1", nil
}

func (s *stubSubs) DeleteSubscription(subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, subscriptionID)
	return nil
}

type fixture struct {
	reg     *registry.Registry
	adapter *stubAdapter
	clock   *fakeClock
	sched   *Scheduler
	store   *accounts.SyncConfigStore
	subs    *stubSubs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg := registry.NewRegistry(nil, extract.NewEngine(nil), 0, nil)
	adapter := newStubAdapter()
	clock := newFakeClock()

	dir := accounts.NewDirectory()
	dir.Register(domain.AccountRef{ID: "acct-1", Address: "pickup@test.com"})

	store := accounts.NewSyncConfigStore(time.Hour)
	t.Cleanup(store.Close)
	store.Put(domain.SyncConfig{AccountID: "acct-1", Protocol: "imap"})

	subs := &stubSubs{}

	sched := New(Options{
		Registry:      reg,
		Adapter:       adapter,
		Directory:     dir,
		SyncConfigs:   store,
		Subscriptions: subs,
		Clock:         clock,
		SearchLimit:   50,
	})
	t.Cleanup(sched.StopAll)

	return &fixture{reg: reg, adapter: adapter, clock: clock, sched: sched, store: store, subs: subs}
}

func (f *fixture) addMailbox(t *testing.T, address string, cfg domain.MailboxConfig) string {
	t.Helper()
	mb, _, err := f.reg.Add(address, cfg)
	require.NoError(t, err)
	return mb.ID
}

func TestScheduler_StartPreconditions(t *testing.T) {
	f := newFixture(t)

	t.Run("地址语法不合法", func(t *testing.T) {
		id := f.addMailbox(t, "not-an-address", domain.MailboxConfig{IntervalSeconds: 10})

		err := f.sched.Start(id)

		assert.ErrorIs(t, err, domain.ErrInvalidAddress)
	})

	t.Run("地址没有关联账号", func(t *testing.T) {
		id := f.addMailbox(t, "unknown@test.com", domain.MailboxConfig{IntervalSeconds: 10})

		err := f.sched.Start(id)

		var cfgErr *domain.ConfigurationRequiredError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, id, cfgErr.MailboxID)
		assert.Empty(t, cfgErr.AccountID)

		mb, _ := f.reg.Get(id)
		assert.False(t, mb.Listening, "前置条件失败不改变邮箱状态")
	})

	t.Run("账号缺少同步配置", func(t *testing.T) {
		f.store.Remove("acct-1")
		defer f.store.Put(domain.SyncConfig{AccountID: "acct-1", Protocol: "imap"})

		id := f.addMailbox(t, "pickup+order@test.com", domain.MailboxConfig{IntervalSeconds: 10})
		err := f.sched.Start(id)

		var cfgErr *domain.ConfigurationRequiredError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "acct-1", cfgErr.AccountID, "子地址回退解析到基础账号")
	})

	t.Run("邮箱不存在", func(t *testing.T) {
		assert.ErrorIs(t, f.sched.Start("missing"), domain.ErrMailboxNotFound)
	})
}

func TestScheduler_CheckLoopAndTimeout(t *testing.T) {
	f := newFixture(t)
	id := f.addMailbox(t, "pickup@test.com", domain.MailboxConfig{IntervalSeconds: 10, TimeoutSeconds: 30})

	require.NoError(t, f.sched.Start(id))

	// 启动后立即执行第一次检查，搜索窗口下界为启动时间
	q := f.adapter.awaitCall(t)
	assert.Equal(t, "pickup@test.com", q.Address)
	assert.Equal(t, "acct-1", q.AccountID)
	assert.Equal(t, f.clock.Now(), q.Since)
	assert.Equal(t, 50, q.Limit)
	f.adapter.results <- stubResult{}

	// 间隔 10 秒、超时 30 秒：总共恰好执行 3 次检查
	for i := 0; i < 2; i++ {
		f.clock.BlockUntil(t, 1)
		f.clock.Advance(10 * time.Second)
		f.adapter.awaitCall(t)
		f.adapter.results <- stubResult{}
	}

	f.clock.BlockUntil(t, 1)
	f.clock.Advance(10 * time.Second)

	require.Eventually(t, func() bool {
		mb, _ := f.reg.Get(id)
		return !mb.Listening
	}, 2*time.Second, time.Millisecond)

	mb, _ := f.reg.Get(id)
	assert.Equal(t, 3, mb.ChecksPerformed)
	assert.Equal(t, domain.StateDisconnected, mb.ConnectionState, "超时回到空闲而不是错误")
	assert.Len(t, f.adapter.calls, 0, "超时判定在跳边界，不再发起新检查")
}

func TestScheduler_TransientErrorContinues(t *testing.T) {
	f := newFixture(t)
	id := f.addMailbox(t, "pickup@test.com", domain.MailboxConfig{IntervalSeconds: 10})

	require.NoError(t, f.sched.Start(id))

	f.adapter.awaitCall(t)
	f.adapter.results <- stubResult{err: &domain.TransientSearchError{Err: errors.New("upstream returned status 502")}}

	f.clock.BlockUntil(t, 1)
	f.clock.Advance(10 * time.Second)

	f.adapter.awaitCall(t)
	f.adapter.results <- stubResult{msgs: []domain.Message{{ID: "m1", Subject: "hi", Date: f.clock.Now()}}}

	require.Eventually(t, func() bool {
		mb, _ := f.reg.Get(id)
		return len(mb.Messages) == 1
	}, 2*time.Second, time.Millisecond)

	mb, _ := f.reg.Get(id)
	assert.True(t, mb.Listening)
	assert.Equal(t, domain.StateConnected, mb.ConnectionState)
	assert.Equal(t, 2, mb.ChecksPerformed)
}

func TestScheduler_FatalErrorStopsListener(t *testing.T) {
	f := newFixture(t)
	id := f.addMailbox(t, "pickup@test.com", domain.MailboxConfig{IntervalSeconds: 10})

	var endedState domain.ConnectionState
	var endedMu sync.Mutex
	f.sched.SetHooks(Hooks{
		OnListeningEnd: func(mailboxID string, state domain.ConnectionState) {
			endedMu.Lock()
			endedState = state
			endedMu.Unlock()
		},
	})

	require.NoError(t, f.sched.Start(id))

	f.adapter.awaitCall(t)
	f.adapter.results <- stubResult{err: &domain.FatalSearchError{StatusCode: 401, Err: errors.New("Unauthorized")}}

	require.Eventually(t, func() bool {
		mb, _ := f.reg.Get(id)
		return !mb.Listening
	}, 2*time.Second, time.Millisecond)

	mb, _ := f.reg.Get(id)
	assert.Equal(t, domain.StateError, mb.ConnectionState)
	assert.False(t, f.sched.Listening(id))

	endedMu.Lock()
	assert.Equal(t, domain.StateError, endedState)
	endedMu.Unlock()
}

func TestScheduler_StopDiscardsInflightResult(t *testing.T) {
	f := newFixture(t)
	id := f.addMailbox(t, "pickup@test.com", domain.MailboxConfig{IntervalSeconds: 10})

	require.NoError(t, f.sched.Start(id))

	// 检查在途（适配器阻塞等待结果）时停止监听
	f.adapter.awaitCall(t)
	f.sched.Stop(id)

	mb, _ := f.reg.Get(id)
	assert.False(t, mb.Listening)
	assert.Equal(t, domain.StateDisconnected, mb.ConnectionState)

	// 迟到的在途结果被丢弃，不写入邮件历史
	f.adapter.results <- stubResult{msgs: []domain.Message{{ID: "late", Subject: "late", Date: f.clock.Now()}}}

	assert.Never(t, func() bool {
		mb, _ := f.reg.Get(id)
		return len(mb.Messages) > 0
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestScheduler_StartIsIdempotentWhileListening(t *testing.T) {
	f := newFixture(t)
	id := f.addMailbox(t, "pickup@test.com", domain.MailboxConfig{IntervalSeconds: 10})

	require.NoError(t, f.sched.Start(id))
	f.adapter.awaitCall(t)

	require.NoError(t, f.sched.Start(id))
	assert.True(t, f.sched.Listening(id))

	f.adapter.results <- stubResult{}
}

func TestScheduler_ConcurrentStartSingleLoop(t *testing.T) {
	f := newFixture(t)
	id := f.addMailbox(t, "pickup@test.com", domain.MailboxConfig{IntervalSeconds: 10})

	// 第一次 Start 卡在订阅创建阶段，制造启动尚未完成的窗口
	gate := make(chan struct{})
	f.subs.gate = gate

	firstDone := make(chan error, 1)
	go func() { firstDone <- f.sched.Start(id) }()

	require.Eventually(t, func() bool {
		return f.sched.Listening(id)
	}, 2*time.Second, time.Millisecond)

	// 窗口内的第二次 Start 幂等返回，不会再走启动流程
	require.NoError(t, f.sched.Start(id))

	close(gate)
	require.NoError(t, <-firstDone)

	f.adapter.awaitCall(t)
	f.adapter.results <- stubResult{}

	f.subs.mu.Lock()
	assert.Len(t, f.subs.created, 1, "并发 Start 只创建一个订阅")
	f.subs.mu.Unlock()

	// 只有一个循环在跑：喂完一次结果后没有第二个在途检查
	assert.Never(t, func() bool {
		return len(f.adapter.calls) > 0
	}, 200*time.Millisecond, 10*time.Millisecond)

	mb, _ := f.reg.Get(id)
	assert.True(t, mb.Listening)
	assert.Equal(t, 1, mb.ChecksPerformed)
}

func TestScheduler_StopDuringStartWindow(t *testing.T) {
	f := newFixture(t)
	id := f.addMailbox(t, "pickup@test.com", domain.MailboxConfig{IntervalSeconds: 10})

	gate := make(chan struct{})
	f.subs.gate = gate

	done := make(chan error, 1)
	go func() { done <- f.sched.Start(id) }()

	require.Eventually(t, func() bool {
		return f.sched.Listening(id)
	}, 2*time.Second, time.Millisecond)

	// 启动尚未完成时停止，启动流程收尾时撤销本次启动
	f.sched.Stop(id)
	close(gate)
	require.NoError(t, <-done)

	assert.False(t, f.sched.Listening(id))
	mb, _ := f.reg.Get(id)
	assert.False(t, mb.Listening)
	assert.Equal(t, domain.StateDisconnected, mb.ConnectionState)

	// 窗口内创建的订阅被释放
	f.subs.mu.Lock()
	assert.Equal(t, []string{"sub-1"}, f.subs.deleted)
	f.subs.mu.Unlock()

	// 循环从未启动，没有任何检查发出
	assert.Never(t, func() bool {
		return len(f.adapter.calls) > 0
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestScheduler_NotifyWakesLoopEarly(t *testing.T) {
	f := newFixture(t)
	id := f.addMailbox(t, "pickup@test.com", domain.MailboxConfig{IntervalSeconds: 3600})

	require.NoError(t, f.sched.Start(id))

	f.adapter.awaitCall(t)
	f.adapter.results <- stubResult{}

	// 不推进时钟，推送唤醒触发下一次检查
	f.clock.BlockUntil(t, 1)
	f.sched.Notify(id)

	f.adapter.awaitCall(t)
	f.adapter.results <- stubResult{}
}

func TestScheduler_SubscriptionLifecycle(t *testing.T) {
	t.Run("启动创建订阅且停止时释放", func(t *testing.T) {
		f := newFixture(t)
		id := f.addMailbox(t, "pickup@test.com", domain.MailboxConfig{IntervalSeconds: 10})

		require.NoError(t, f.sched.Start(id))
		f.adapter.awaitCall(t)

		f.subs.mu.Lock()
		assert.Equal(t, []string{"pickup@test.com"}, f.subs.created)
		f.subs.mu.Unlock()

		f.sched.Stop(id)
		f.adapter.results <- stubResult{}

		f.subs.mu.Lock()
		assert.Equal(t, []string{"sub-1"}, f.subs.deleted)
		f.subs.mu.Unlock()
	})

	t.Run("订阅失败降级为纯轮询", func(t *testing.T) {
		f := newFixture(t)
		f.subs.fail = true
		id := f.addMailbox(t, "pickup@test.com", domain.MailboxConfig{IntervalSeconds: 10})

		require.NoError(t, f.sched.Start(id))

		f.adapter.awaitCall(t)
		f.adapter.results <- stubResult{}

		mb, _ := f.reg.Get(id)
		assert.True(t, mb.Listening)
	})
}
