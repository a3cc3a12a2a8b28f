package scheduler

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"mailpickup/backend/internal/domain"
	"mailpickup/backend/internal/registry"
	"mailpickup/backend/internal/search"
)

// SyncConfigProvider 查询账号的同步配置，缺失时监听不允许启动。
type SyncConfigProvider interface {
	Get(accountID string) (*domain.SyncConfig, bool)
}

// Hooks 监听循环的事件回调，由上层装配（推送、通知、归档、指标）。
// 回调在循环 goroutine 内同步执行，必须快速返回。
type Hooks struct {
	// OnMailboxUpdate 邮箱可见状态发生变化（连接状态、检查计数、新邮件）。
	OnMailboxUpdate func(mailboxID string)
	// OnNewMessages 一次检查合并出了新邮件。
	OnNewMessages func(mailboxID string, messages []domain.Message, extracts []domain.Extraction)
	// OnCheck 每次检查完成后调用，err 为 nil 表示检查成功。
	OnCheck func(mailboxID string, err error)
	// OnListeningEnd 监听结束（停止、超时或致命错误）。
	OnListeningEnd func(mailboxID string, state domain.ConnectionState)
}

// Scheduler 监听调度器：每个监听中的邮箱对应一个循环 goroutine。
//
// 循环内串行执行"检查 → 合并 → 等待下一跳"，因此任一邮箱同一时刻
// 最多只有一次在途检查。循环每一跳都从注册表按 ID 重新读取邮箱，
// 不在闭包里缓存状态，配置修改与停止在下一跳立即生效。
type Scheduler struct {
	reg         *registry.Registry
	adapter     search.Adapter
	directory   domain.AccountDirectory
	syncConfigs SyncConfigProvider
	subs        domain.SubscriptionService
	clock       Clock
	searchLimit int
	hooks       Hooks
	log         *zap.Logger

	mu    sync.Mutex
	loops map[string]*loop
	wg    sync.WaitGroup
}

type loop struct {
	gen    uint64
	cancel context.CancelFunc
	wake   chan struct{}
	subID  string
}

// Options 调度器依赖。
type Options struct {
	Registry      *registry.Registry
	Adapter       search.Adapter
	Directory     domain.AccountDirectory
	SyncConfigs   SyncConfigProvider
	Subscriptions domain.SubscriptionService // 可选，推送唤醒
	Clock         Clock                      // 为空时使用系统时钟
	SearchLimit   int
	Log           *zap.Logger
}

// New 创建调度器。
func New(opts Options) *Scheduler {
	clock := opts.Clock
	if clock == nil {
		clock = NewRealClock()
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		reg:         opts.Registry,
		adapter:     opts.Adapter,
		directory:   opts.Directory,
		syncConfigs: opts.SyncConfigs,
		subs:        opts.Subscriptions,
		clock:       clock,
		searchLimit: opts.SearchLimit,
		log:         log,
		loops:       make(map[string]*loop),
	}
}

// SetHooks 设置事件回调，必须在第一次 Start 之前调用。
func (s *Scheduler) SetHooks(hooks Hooks) {
	s.hooks = hooks
}

// Start 启动一个邮箱的监听。
//
// 前置条件按顺序检查：地址语法、地址到账号的解析（含子地址回退）、
// 账号的同步配置。账号或配置缺失返回 *domain.ConfigurationRequiredError，
// 邮箱状态不受影响，补齐配置后可重新 Start。
//
// 已在监听中的邮箱重复 Start 是幂等的。
func (s *Scheduler) Start(id string) error {
	mb, err := s.reg.Get(id)
	if err != nil {
		return err
	}

	if err := domain.ValidateAddress(mb.Address); err != nil {
		return err
	}

	// 先在表里占位再做前置检查：并发 Start 只有拿到占位的那次
	// 走启动流程，其余看到占位直接幂等返回，不会产生第二个循环。
	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{cancel: cancel, wake: make(chan struct{}, 1)}

	s.mu.Lock()
	if _, running := s.loops[id]; running {
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.loops[id] = l
	s.mu.Unlock()

	fail := func(err error) error {
		s.removeLoop(id, l)
		cancel()
		return err
	}

	ref, err := s.directory.FindAccountByAddress(mb.Address)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return fail(&domain.ConfigurationRequiredError{MailboxID: id})
		}
		return fail(err)
	}

	if _, ok := s.syncConfigs.Get(ref.ID); !ok {
		return fail(&domain.ConfigurationRequiredError{MailboxID: id, AccountID: ref.ID})
	}

	gen, err := s.reg.BeginListening(id, s.clock.Now(), ref.ID)
	if err != nil {
		return fail(err)
	}

	var subID string
	if s.subs != nil {
		subID, err = s.subs.CreateSubscription(ref.ID, mb.Address)
		if err != nil {
			// 推送只是优化，订阅失败降级为纯轮询
			s.log.Warn("failed to create push subscription, polling only",
				zap.String("mailbox_id", id), zap.Error(err))
			subID = ""
		}
	}

	s.mu.Lock()
	if current, ok := s.loops[id]; !ok || current != l {
		// 启动窗口内被 Stop，撤销本次启动
		s.mu.Unlock()
		cancel()
		if subID != "" {
			l.subID = subID
			s.releaseSubscription(id, l)
		}
		if s.reg.EndListening(id, gen, domain.StateDisconnected) {
			s.emitEnd(id, domain.StateDisconnected)
		}
		return nil
	}
	l.gen = gen
	l.subID = subID
	s.mu.Unlock()

	s.reg.MarkConnected(id, gen)
	s.notifyUpdate(id)

	s.wg.Add(1)
	go s.run(ctx, id, l, ref.ID)

	s.log.Info("listening started",
		zap.String("mailbox_id", id),
		zap.String("address", mb.Address),
		zap.String("account_id", ref.ID))
	return nil
}

// Stop 停止一个邮箱的监听。未在监听中时为无操作。
func (s *Scheduler) Stop(id string) {
	s.mu.Lock()
	l, ok := s.loops[id]
	if ok {
		delete(s.loops, id)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	l.cancel()
	s.releaseSubscription(id, l)

	if s.reg.EndListening(id, l.gen, domain.StateDisconnected) {
		s.emitEnd(id, domain.StateDisconnected)
	}
	s.log.Info("listening stopped", zap.String("mailbox_id", id))
}

// StopAll 停止全部监听并等待循环退出，进程关闭时调用。
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.loops))
	for id := range s.loops {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Stop(id)
	}
	s.wg.Wait()
}

// Notify 提前唤醒一个邮箱的监听循环（推送通知到达时调用）。
// 只是把下一次检查提前，检查本身仍在循环内串行执行。
func (s *Scheduler) Notify(id string) {
	s.mu.Lock()
	l, ok := s.loops[id]
	s.mu.Unlock()
	if !ok {
		return
	}

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Listening 返回邮箱是否有运行中的监听循环。
func (s *Scheduler) Listening(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[id]
	return ok
}

// run 单个邮箱的监听循环。
//
// 每一跳：读取最新状态 → 判定超时 → 执行检查 → 合并 → 等待。
// 超时在跳边界判定，不打断在途检查。
func (s *Scheduler) run(ctx context.Context, id string, l *loop, accountID string) {
	defer s.wg.Done()

	for {
		mb, err := s.reg.Get(id)
		if err != nil || !mb.Listening {
			s.removeLoop(id, l)
			return
		}

		if mb.Config.TimeoutSeconds > 0 && s.clock.Now().Sub(mb.StartedAt) >= mb.Config.Timeout() {
			s.finish(id, l, domain.StateDisconnected)
			s.log.Info("listening timed out", zap.String("mailbox_id", id),
				zap.Int("checks_performed", mb.ChecksPerformed))
			return
		}

		s.reg.IncrementChecks(id, l.gen)

		msgs, err := s.adapter.Search(ctx, search.Query{
			Address:   mb.Address,
			AccountID: accountID,
			Since:     mb.StartedAt,
			Limit:     s.searchLimit,
		})
		s.emitCheck(id, err)

		if err != nil {
			var fatal *domain.FatalSearchError
			if errors.As(err, &fatal) {
				s.log.Error("search failed fatally, stopping listener",
					zap.String("mailbox_id", id), zap.Error(err))
				s.finish(id, l, domain.StateError)
				return
			}
			if ctx.Err() != nil {
				// Stop 已处理收尾
				s.removeLoop(id, l)
				return
			}
			s.log.Warn("search check failed, will retry on next tick",
				zap.String("mailbox_id", id), zap.Error(err))
		} else {
			res, mergeErr := s.reg.MergeMessages(id, l.gen, msgs)
			if mergeErr != nil {
				s.removeLoop(id, l)
				return
			}
			if res.Applied && len(res.NewMessages) > 0 {
				s.log.Info("new messages merged",
					zap.String("mailbox_id", id), zap.Int("count", len(res.NewMessages)))
				if s.hooks.OnNewMessages != nil {
					s.hooks.OnNewMessages(id, res.NewMessages, res.NewExtracts)
				}
			}
		}
		s.notifyUpdate(id)

		select {
		case <-ctx.Done():
			s.removeLoop(id, l)
			return
		case <-l.wake:
		case <-s.clock.After(mb.Config.Interval()):
		}
	}
}

// finish 循环自身结束监听（超时或致命错误）。
func (s *Scheduler) finish(id string, l *loop, state domain.ConnectionState) {
	s.removeLoop(id, l)
	s.releaseSubscription(id, l)
	if s.reg.EndListening(id, l.gen, state) {
		s.emitEnd(id, state)
	}
}

// removeLoop 从表中移除循环，只在登记的就是本循环时生效。
func (s *Scheduler) removeLoop(id string, l *loop) {
	s.mu.Lock()
	if current, ok := s.loops[id]; ok && current == l {
		delete(s.loops, id)
	}
	s.mu.Unlock()
}

func (s *Scheduler) releaseSubscription(id string, l *loop) {
	if s.subs == nil || l.subID == "" {
		return
	}
	if err := s.subs.DeleteSubscription(l.subID); err != nil {
		s.log.Warn("failed to delete push subscription",
			zap.String("mailbox_id", id), zap.Error(err))
	}
}

func (s *Scheduler) notifyUpdate(id string) {
	if s.hooks.OnMailboxUpdate != nil {
		s.hooks.OnMailboxUpdate(id)
	}
}

func (s *Scheduler) emitCheck(id string, err error) {
	if s.hooks.OnCheck != nil {
		s.hooks.OnCheck(id, err)
	}
}

func (s *Scheduler) emitEnd(id string, state domain.ConnectionState) {
	if s.hooks.OnListeningEnd != nil {
		s.hooks.OnListeningEnd(id, state)
	}
	s.notifyUpdate(id)
}
