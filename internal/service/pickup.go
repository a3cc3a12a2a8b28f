package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailpickup/backend/internal/config"
	"mailpickup/backend/internal/domain"
	"mailpickup/backend/internal/monitoring"
	"mailpickup/backend/internal/notify"
	"mailpickup/backend/internal/registry"
	"mailpickup/backend/internal/scheduler"
	"mailpickup/backend/internal/websocket"
)

var (
	ErrDomainNotAllowed = errors.New("domain not allowed")
)

// Archiver 取件历史的落库接口，可选依赖。
type Archiver interface {
	ArchiveMessages(mailboxID, address string, msgs []domain.Message, extracts []domain.Extraction) error
}

// AccountRegistrar 账号目录的读写能力。
type AccountRegistrar interface {
	domain.AccountDirectory
	Register(ref domain.AccountRef)
}

// SyncConfigStore 同步配置的读写能力。
type SyncConfigStore interface {
	Put(cfg domain.SyncConfig)
	Get(accountID string) (*domain.SyncConfig, bool)
}

// PickupService 封装取件引擎的业务操作。
//
// 注册表与调度器之上的门面：对外提供邮箱注册、监听控制与
// 查询，并把监听循环的事件装配到推送、webhook、归档与指标。
type PickupService struct {
	reg         *registry.Registry
	sched       *scheduler.Scheduler
	accounts    AccountRegistrar
	syncConfigs SyncConfigStore
	cfg         *config.Config
	domainSet   map[string]struct{}

	hub      *websocket.Hub
	notifier *notify.Notifier
	archive  Archiver
	metrics  *monitoring.Metrics
	log      *zap.Logger
}

// NewPickupService 创建取件服务并装配监听事件。
// hub、notifier、archive、metrics 都允许为空（按部署裁剪）。
func NewPickupService(
	reg *registry.Registry,
	sched *scheduler.Scheduler,
	accounts AccountRegistrar,
	syncConfigs SyncConfigStore,
	cfg *config.Config,
	hub *websocket.Hub,
	notifier *notify.Notifier,
	archive Archiver,
	metrics *monitoring.Metrics,
	log *zap.Logger,
) *PickupService {
	if log == nil {
		log = zap.NewNop()
	}

	domainSet := make(map[string]struct{}, len(cfg.Pickup.AllowedDomains))
	for _, d := range cfg.Pickup.AllowedDomains {
		domainSet[strings.ToLower(d)] = struct{}{}
	}

	s := &PickupService{
		reg:         reg,
		sched:       sched,
		accounts:    accounts,
		syncConfigs: syncConfigs,
		cfg:         cfg,
		domainSet:   domainSet,
		hub:         hub,
		notifier:    notifier,
		archive:     archive,
		metrics:     metrics,
		log:         log,
	}

	sched.SetHooks(scheduler.Hooks{
		OnMailboxUpdate: s.onMailboxUpdate,
		OnNewMessages:   s.onNewMessages,
		OnCheck:         s.onCheck,
		OnListeningEnd:  s.onListeningEnd,
	})

	return s
}

// RegisterInput 注册观察地址的输入。
type RegisterInput struct {
	Address         string // 为空时生成随机地址
	Domain          string // 随机地址使用的域名，为空时取第一个允许域名
	IntervalSeconds int
	TimeoutSeconds  int
	ExtractionRules []domain.ExtractionRule
}

// Register 注册一个观察地址，重复注册同一地址返回已有邮箱。
func (s *PickupService) Register(input RegisterInput) (*domain.Mailbox, error) {
	address := strings.TrimSpace(input.Address)
	if address == "" {
		generated, err := s.generateAddress(input.Domain)
		if err != nil {
			return nil, err
		}
		address = generated
	}

	cfg := domain.MailboxConfig{
		IntervalSeconds: input.IntervalSeconds,
		TimeoutSeconds:  input.TimeoutSeconds,
		ExtractionRules: input.ExtractionRules,
	}
	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = s.cfg.Pickup.DefaultInterval
	}
	if cfg.TimeoutSeconds < 0 {
		cfg.TimeoutSeconds = 0
	} else if input.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = s.cfg.Pickup.DefaultTimeout
	}

	mb, created, err := s.reg.Add(address, cfg)
	if err != nil {
		return nil, err
	}

	if created {
		if s.metrics != nil {
			s.metrics.MailboxesRegistered.Inc()
		}
		s.log.Info("mailbox registered",
			zap.String("mailbox_id", mb.ID),
			zap.String("address", mb.Address))
	}
	return mb, nil
}

// Remove 删除邮箱，监听中的邮箱先停止监听。
func (s *PickupService) Remove(id string) error {
	s.sched.Stop(id)
	if err := s.reg.Remove(id); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.MailboxesRemoved.Inc()
	}
	s.log.Info("mailbox removed", zap.String("mailbox_id", id))
	return nil
}

// Get 按 ID 查询邮箱。
func (s *PickupService) Get(id string) (*domain.Mailbox, error) {
	return s.reg.Get(id)
}

// List 返回全部邮箱快照。
func (s *PickupService) List() []domain.Mailbox {
	return s.reg.List()
}

// UpdateConfig 部分更新邮箱配置，监听中的邮箱下一跳生效。
func (s *PickupService) UpdateConfig(id string, patch domain.MailboxConfigPatch) (*domain.Mailbox, error) {
	mb, err := s.reg.UpdateConfig(id, patch)
	if err != nil {
		return nil, err
	}
	s.onMailboxUpdate(id)
	return mb, nil
}

// Select 设置当前选中的邮箱。
func (s *PickupService) Select(id string) error {
	return s.reg.SetSelected(id)
}

// Selected 返回当前选中的邮箱 ID。
func (s *PickupService) Selected() string {
	return s.reg.Selected()
}

// StartListening 启动监听，已在监听中时为无操作。
func (s *PickupService) StartListening(id string) error {
	if s.sched.Listening(id) {
		return nil
	}
	if err := s.sched.Start(id); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ListenersActive.Inc()
	}
	if s.notifier != nil {
		s.notifier.Emit(notify.EventListeningStarted, id, nil)
	}
	return nil
}

// StopListening 停止监听。
func (s *PickupService) StopListening(id string) error {
	if _, err := s.reg.Get(id); err != nil {
		return err
	}
	s.sched.Stop(id)
	return nil
}

// Messages 返回邮箱的邮件历史与对齐的提取结果。
func (s *PickupService) Messages(id string) ([]domain.Message, []domain.Extraction, error) {
	mb, err := s.reg.Get(id)
	if err != nil {
		return nil, nil, err
	}
	return mb.Messages, mb.Extracted, nil
}

// NotifyAddress 本地收件回调：唤醒观察该地址的监听循环。
func (s *PickupService) NotifyAddress(address string) {
	mb, err := s.reg.GetByAddress(address)
	if err != nil {
		return
	}
	s.sched.Notify(mb.ID)
}

// RegisterAccount 登记一个上游账号。
func (s *PickupService) RegisterAccount(ref domain.AccountRef) (*domain.AccountRef, error) {
	if err := domain.ValidateAddress(ref.Address); err != nil {
		return nil, err
	}
	if ref.ID == "" {
		ref.ID = uuid.NewString()
	}
	s.accounts.Register(ref)
	s.log.Info("account registered",
		zap.String("account_id", ref.ID),
		zap.String("address", domain.NormalizeAddress(ref.Address)))
	return &ref, nil
}

// SupplySyncConfig 写入账号的同步配置，补齐后邮箱可重新启动监听。
func (s *PickupService) SupplySyncConfig(cfg domain.SyncConfig) error {
	if cfg.AccountID == "" {
		return errors.New("account id is required")
	}
	s.syncConfigs.Put(cfg)
	s.log.Info("sync config supplied",
		zap.String("account_id", cfg.AccountID),
		zap.Bool("temporary", cfg.Temporary))
	return nil
}

// generateAddress 生成随机观察地址。
func (s *PickupService) generateAddress(requested string) (string, error) {
	selected := s.pickDomain(requested)
	if selected == "" {
		return "", ErrDomainNotAllowed
	}
	base := strings.ToLower(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return fmt.Sprintf("%s@%s", base[:12], selected), nil
}

// pickDomain 挑选合法的地址域名。
func (s *PickupService) pickDomain(requested string) string {
	if requested == "" {
		if len(s.cfg.Pickup.AllowedDomains) == 0 {
			return ""
		}
		return strings.ToLower(s.cfg.Pickup.AllowedDomains[0])
	}
	requested = strings.ToLower(strings.TrimSpace(requested))
	if _, ok := s.domainSet[requested]; ok {
		return requested
	}
	return ""
}

// onMailboxUpdate 推送邮箱状态变化。
func (s *PickupService) onMailboxUpdate(id string) {
	if s.hub == nil {
		return
	}
	mb, err := s.reg.Get(id)
	if err != nil {
		return
	}
	s.hub.NotifyMailboxUpdate(mb)
}

// onNewMessages 分发新合并的邮件：推送、webhook、归档、指标。
func (s *PickupService) onNewMessages(id string, messages []domain.Message, extracts []domain.Extraction) {
	mb, err := s.reg.Get(id)
	if err != nil {
		return
	}

	if s.metrics != nil {
		s.metrics.NewMessagesTotal.Add(float64(len(messages)))
	}

	for i, msg := range messages {
		var ex domain.Extraction
		if i < len(extracts) {
			ex = extracts[i]
		}

		if s.hub != nil {
			s.hub.NotifyPickupResult(id, msg, ex)
		}

		if s.notifier != nil {
			s.notifier.Emit(notify.EventMessageReceived, id, map[string]interface{}{
				"messageId": msg.ID,
				"from":      msg.From,
				"subject":   msg.Subject,
				"date":      msg.Date,
			})
			if len(ex) > 0 {
				s.notifier.Emit(notify.EventValueExtracted, id, map[string]interface{}{
					"messageId": msg.ID,
					"values":    ex,
				})
			}
		}

		if s.metrics != nil && len(ex) > 0 {
			s.metrics.ValuesExtractedTotal.Add(float64(len(ex)))
		}
	}

	if s.archive != nil {
		if err := s.archive.ArchiveMessages(id, mb.Address, messages, extracts); err != nil {
			s.log.Error("failed to archive messages",
				zap.String("mailbox_id", id), zap.Error(err))
		}
	}
}

// onCheck 记录检查指标。
func (s *PickupService) onCheck(id string, err error) {
	if s.metrics == nil {
		return
	}

	switch {
	case err == nil:
		s.metrics.ChecksTotal.WithLabelValues("ok").Inc()
	default:
		var fatal *domain.FatalSearchError
		if errors.As(err, &fatal) {
			s.metrics.ChecksTotal.WithLabelValues("fatal_error").Inc()
			s.metrics.SearchErrorsTotal.WithLabelValues("fatal").Inc()
		} else {
			s.metrics.ChecksTotal.WithLabelValues("transient_error").Inc()
			s.metrics.SearchErrorsTotal.WithLabelValues("transient").Inc()
		}
	}
}

// onListeningEnd 监听结束的收尾：指标与 webhook 事件。
func (s *PickupService) onListeningEnd(id string, state domain.ConnectionState) {
	if s.metrics != nil {
		s.metrics.ListenersActive.Dec()
	}
	if s.notifier != nil {
		s.notifier.Emit(notify.EventListeningStopped, id, map[string]interface{}{
			"state": string(state),
		})
	}
}
