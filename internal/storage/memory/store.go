package memory

import (
	"sort"
	"sync"

	"mailpickup/backend/internal/domain"
	"mailpickup/backend/internal/search"
)

const maxMessagesPerAddress = 500

// Store 进程内收件存储，开发模式的本地邮件来源。
//
// 本机 SMTP 端口收到的邮件写入这里，本地搜索适配器从这里查询。
// 每个地址只保留最近的一段历史，防止长时间运行占满内存。
type Store struct {
	mu         sync.RWMutex
	byAddress  map[string][]domain.Message
	onDelivery func(address string)
}

// NewStore 创建收件存储。
func NewStore() *Store {
	return &Store{byAddress: make(map[string][]domain.Message)}
}

// SetDeliveryCallback 设置收件回调，用于提前唤醒监听循环。
// 必须在 SMTP 服务开始收件前设置。
func (s *Store) SetDeliveryCallback(fn func(address string)) {
	s.onDelivery = fn
}

// Deliver 写入一封投递到指定地址的邮件。
func (s *Store) Deliver(address string, msg domain.Message) {
	normalized := domain.NormalizeAddress(address)

	s.mu.Lock()
	msgs := append(s.byAddress[normalized], msg)
	if len(msgs) > maxMessagesPerAddress {
		msgs = msgs[len(msgs)-maxMessagesPerAddress:]
	}
	s.byAddress[normalized] = msgs
	s.mu.Unlock()

	if s.onDelivery != nil {
		s.onDelivery(normalized)
	}
}

// Search 查询一个地址在窗口内的邮件，按日期降序返回。
func (s *Store) Search(address string, q search.Query) []domain.Message {
	normalized := domain.NormalizeAddress(address)

	s.mu.RLock()
	stored := s.byAddress[normalized]
	result := make([]domain.Message, 0, len(stored))
	for _, m := range stored {
		if m.Date.Before(q.Since) {
			continue
		}
		result = append(result, m)
	}
	s.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Date.After(result[j].Date)
	})

	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result
}

// Count 返回一个地址已存储的邮件数。
func (s *Store) Count(address string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byAddress[domain.NormalizeAddress(address)])
}

var _ search.Source = (*Store)(nil)
