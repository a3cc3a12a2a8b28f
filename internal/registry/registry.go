package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailpickup/backend/internal/domain"
	"mailpickup/backend/internal/persist"
)

var (
	// ErrRegistryFull 注册表已达到邮箱数量上限。
	ErrRegistryFull = errors.New("mailbox registry full")
)

// Extractor 提取引擎接口，合并新邮件时逐条调用。
type Extractor interface {
	Apply(rules []domain.ExtractionRule, msg domain.Message) domain.Extraction
}

// Registry 邮箱注册表：全部邮箱状态的唯一权威持有者。
//
// 所有对 Messages/Extracted 的修改都必须经过这里的合并操作；
// 调度器按 id 访问注册表，从不在闭包里持有状态快照。
// 每次变更之后写一次持久化快照。
//
// 监听代（generation）用于丢弃过期的在途检查结果：每次
// BeginListening 使代号递增，带旧代号的合并与状态变更一律忽略。
type Registry struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	byAddress  map[string]string // 规范化地址 -> 邮箱ID
	selectedID string

	bridge    persist.Bridge
	extractor Extractor
	maxSize   int
	log       *zap.Logger
}

type entry struct {
	mailbox *domain.Mailbox
	gen     uint64
}

// NewRegistry 创建注册表。
func NewRegistry(bridge persist.Bridge, extractor Extractor, maxSize int, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		entries:   make(map[string]*entry),
		byAddress: make(map[string]string),
		bridge:    bridge,
		extractor: extractor,
		maxSize:   maxSize,
		log:       log,
	}
}

// Add 注册一个观察地址。注册按规范化地址幂等：
// 地址已存在时返回已有邮箱且 created 为 false。
func (r *Registry) Add(address string, cfg domain.MailboxConfig) (*domain.Mailbox, bool, error) {
	normalized := domain.NormalizeAddress(address)

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byAddress[normalized]; ok {
		return cloneMailbox(r.entries[id].mailbox), false, nil
	}

	if r.maxSize > 0 && len(r.entries) >= r.maxSize {
		return nil, false, ErrRegistryFull
	}

	local, domainPart := domain.SplitAddress(normalized)
	mb := &domain.Mailbox{
		ID:              uuid.NewString(),
		Address:         normalized,
		LocalPart:       local,
		Domain:          domainPart,
		Config:          cfg,
		ConnectionState: domain.StateDisconnected,
		CreatedAt:       time.Now().UTC(),
		Messages:        []domain.Message{},
		Extracted:       []domain.Extraction{},
	}

	r.entries[mb.ID] = &entry{mailbox: mb}
	r.byAddress[normalized] = mb.ID
	r.persistLocked()

	return cloneMailbox(mb), true, nil
}

// Remove 删除邮箱。调用方必须先停止监听（见 scheduler.Stop）。
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return domain.ErrMailboxNotFound
	}
	delete(r.byAddress, e.mailbox.Address)
	delete(r.entries, id)
	if r.selectedID == id {
		r.selectedID = ""
	}
	r.persistLocked()
	return nil
}

// Get 按 ID 获取邮箱的副本。
func (r *Registry) Get(id string) (*domain.Mailbox, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, domain.ErrMailboxNotFound
	}
	return cloneMailbox(e.mailbox), nil
}

// GetByAddress 按规范化地址获取邮箱的副本。
func (r *Registry) GetByAddress(address string) (*domain.Mailbox, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byAddress[domain.NormalizeAddress(address)]
	if !ok {
		return nil, domain.ErrMailboxNotFound
	}
	return cloneMailbox(r.entries[id].mailbox), nil
}

// List 返回全部邮箱的快照，按创建时间排序。
func (r *Registry) List() []domain.Mailbox {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Mailbox, 0, len(r.entries))
	for _, e := range r.entries {
		result = append(result, *cloneMailbox(e.mailbox))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// UpdateConfig 部分更新邮箱配置，nil 字段保持原值。
func (r *Registry) UpdateConfig(id string, patch domain.MailboxConfigPatch) (*domain.Mailbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, domain.ErrMailboxNotFound
	}

	if patch.IntervalSeconds != nil {
		e.mailbox.Config.IntervalSeconds = *patch.IntervalSeconds
	}
	if patch.TimeoutSeconds != nil {
		e.mailbox.Config.TimeoutSeconds = *patch.TimeoutSeconds
	}
	if patch.ExtractionRules != nil {
		e.mailbox.Config.ExtractionRules = append([]domain.ExtractionRule(nil), (*patch.ExtractionRules)...)
	}

	r.persistLocked()
	return cloneMailbox(e.mailbox), nil
}

// SetSelected 设置当前选中的邮箱。
func (r *Registry) SetSelected(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return domain.ErrMailboxNotFound
	}
	r.selectedID = id
	r.persistLocked()
	return nil
}

// Selected 返回当前选中的邮箱 ID，未选中时为空。
func (r *Registry) Selected() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selectedID
}

// BeginListening 标记监听启动：重置检查计数，设置新的搜索窗口
// 下界，进入 Connecting 状态，并返回新的监听代号。
// 历史邮件不会被清空。
func (r *Registry) BeginListening(id string, now time.Time, accountID string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return 0, domain.ErrMailboxNotFound
	}

	e.gen++
	e.mailbox.Listening = true
	e.mailbox.ConnectionState = domain.StateConnecting
	e.mailbox.ChecksPerformed = 0
	e.mailbox.StartedAt = now.UTC()
	e.mailbox.AccountID = accountID
	r.persistLocked()
	return e.gen, nil
}

// MarkConnected 监听循环就绪，进入 Connected 状态。
func (r *Registry) MarkConnected(id string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.gen != gen || !e.mailbox.Listening {
		return false
	}
	e.mailbox.ConnectionState = domain.StateConnected
	return true
}

// EndListening 标记监听结束。state 为 Disconnected（正常停止或
// 超时）或 Error（致命错误）。代号不匹配时忽略，保证 stop 之后
// 过期循环的收尾动作不会覆盖新一轮监听的状态。
func (r *Registry) EndListening(id string, gen uint64, state domain.ConnectionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.gen != gen {
		return false
	}
	e.mailbox.Listening = false
	e.mailbox.ConnectionState = state
	return true
}

// IncrementChecks 递增检查计数。计数是内存态，不触发持久化写入。
func (r *Registry) IncrementChecks(id string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.gen != gen || !e.mailbox.Listening {
		return false
	}
	e.mailbox.ChecksPerformed++
	return true
}

// MergeResult 一次合并的结果。
type MergeResult struct {
	Applied     bool                // false 表示结果因监听代号失效被丢弃
	NewMessages []domain.Message    // 本次新增的邮件（合并后顺序）
	NewExtracts []domain.Extraction // 与 NewMessages 对齐的提取结果
}

// MergeMessages 把一批搜索结果合并进邮箱的邮件历史。
//
// 算法：过滤掉已知 ID，为新邮件计算提取结果，与现有序列合并后
// 按日期降序排序（同日期按 ID 降序，保证确定性），Extracted 始终
// 与 Messages 下标对齐。空批次不产生任何状态变更与持久化写入。
//
// 合并前检查监听代号与监听标志：stop 之后才返回的在途结果在
// 这里被丢弃，而不是只在调度下一次检查时丢弃。
func (r *Registry) MergeMessages(id string, gen uint64, batch []domain.Message) (MergeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return MergeResult{}, domain.ErrMailboxNotFound
	}
	if e.gen != gen || !e.mailbox.Listening {
		return MergeResult{}, nil
	}

	mb := e.mailbox

	seen := make(map[string]struct{}, len(mb.Messages))
	for _, m := range mb.Messages {
		seen[m.ID] = struct{}{}
	}

	type pair struct {
		msg domain.Message
		ex  domain.Extraction
	}

	var fresh []pair
	for _, m := range batch {
		if m.ID == "" {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}

		var ex domain.Extraction
		if r.extractor != nil {
			ex = r.extractor.Apply(mb.Config.ExtractionRules, m)
		}
		if ex == nil {
			ex = domain.Extraction{}
		}
		fresh = append(fresh, pair{msg: m, ex: ex})
	}

	if len(fresh) == 0 {
		return MergeResult{Applied: true}, nil
	}

	combined := make([]pair, 0, len(mb.Messages)+len(fresh))
	for i, m := range mb.Messages {
		combined = append(combined, pair{msg: m, ex: mb.Extracted[i]})
	}
	combined = append(combined, fresh...)

	sort.SliceStable(combined, func(i, j int) bool {
		if !combined[i].msg.Date.Equal(combined[j].msg.Date) {
			return combined[i].msg.Date.After(combined[j].msg.Date)
		}
		return combined[i].msg.ID > combined[j].msg.ID
	})

	mb.Messages = make([]domain.Message, len(combined))
	mb.Extracted = make([]domain.Extraction, len(combined))
	for i, p := range combined {
		mb.Messages[i] = p.msg
		mb.Extracted[i] = p.ex
	}

	r.persistLocked()

	result := MergeResult{Applied: true}
	for _, p := range fresh {
		result.NewMessages = append(result.NewMessages, p.msg)
		result.NewExtracts = append(result.NewExtracts, p.ex)
	}
	return result, nil
}

// Snapshot 返回注册表的完整快照。
func (r *Registry) Snapshot() domain.RegistrySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Restore 从持久化快照恢复注册表。
//
// 恢复只还原配置、邮件历史与选中项；监听永远不会被自动重启，
// 所有邮箱恢复为未监听状态。
func (r *Registry) Restore(snapshot domain.RegistrySnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = make(map[string]*entry, len(snapshot.Mailboxes))
	r.byAddress = make(map[string]string, len(snapshot.Mailboxes))
	for i := range snapshot.Mailboxes {
		mb := cloneMailbox(&snapshot.Mailboxes[i])
		mb.Listening = false
		mb.ConnectionState = domain.StateDisconnected
		r.entries[mb.ID] = &entry{mailbox: mb}
		r.byAddress[mb.Address] = mb.ID
	}

	r.selectedID = ""
	if _, ok := r.entries[snapshot.SelectedID]; ok {
		r.selectedID = snapshot.SelectedID
	}
}

// snapshotLocked 构建快照，调用方需持有锁。
func (r *Registry) snapshotLocked() domain.RegistrySnapshot {
	snapshot := domain.RegistrySnapshot{
		SelectedID: r.selectedID,
		Mailboxes:  make([]domain.Mailbox, 0, len(r.entries)),
	}
	for _, e := range r.entries {
		snapshot.Mailboxes = append(snapshot.Mailboxes, *cloneMailbox(e.mailbox))
	}
	sort.Slice(snapshot.Mailboxes, func(i, j int) bool {
		return snapshot.Mailboxes[i].ID < snapshot.Mailboxes[j].ID
	})
	return snapshot
}

// persistLocked 在变更后写一次持久化快照，失败只记录日志。
func (r *Registry) persistLocked() {
	if r.bridge == nil {
		return
	}
	if err := r.bridge.Save(r.snapshotLocked()); err != nil {
		r.log.Error("failed to persist registry snapshot", zap.Error(err))
	}
}

// cloneMailbox 深拷贝邮箱，避免调用方与注册表共享切片。
func cloneMailbox(mb *domain.Mailbox) *domain.Mailbox {
	cp := *mb
	cp.Config.ExtractionRules = append([]domain.ExtractionRule(nil), mb.Config.ExtractionRules...)
	cp.Messages = append([]domain.Message(nil), mb.Messages...)
	cp.Extracted = make([]domain.Extraction, len(mb.Extracted))
	for i, ex := range mb.Extracted {
		dup := make(domain.Extraction, len(ex))
		for k, v := range ex {
			dup[k] = v
		}
		cp.Extracted[i] = dup
	}
	return &cp
}
