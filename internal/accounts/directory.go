package accounts

import (
	"sync"
	"time"

	"mailpickup/backend/internal/cache"
	"mailpickup/backend/internal/domain"
)

// Directory 进程内账号目录。
//
// 按规范化地址查找账号；带子地址标签的地址（user+tag@domain）
// 在精确匹配失败后回退到基础地址（user@domain）查找。回退只影响
// 账号解析，搜索仍使用字面地址。
type Directory struct {
	mu        sync.RWMutex
	byAddress map[string]*domain.AccountRef
}

// NewDirectory 创建账号目录。
func NewDirectory() *Directory {
	return &Directory{byAddress: make(map[string]*domain.AccountRef)}
}

// Register 登记账号，同地址重复登记以后者为准。
func (d *Directory) Register(ref domain.AccountRef) {
	normalized := domain.NormalizeAddress(ref.Address)

	d.mu.Lock()
	defer d.mu.Unlock()

	cp := ref
	cp.Address = normalized
	d.byAddress[normalized] = &cp
}

// FindAccountByAddress 按地址查找账号，支持子地址回退。
// 找不到时返回 domain.ErrAccountNotFound。
func (d *Directory) FindAccountByAddress(address string) (*domain.AccountRef, error) {
	normalized := domain.NormalizeAddress(address)

	d.mu.RLock()
	defer d.mu.RUnlock()

	if ref, ok := d.byAddress[normalized]; ok {
		cp := *ref
		return &cp, nil
	}

	if base := domain.StripSubaddress(normalized); base != normalized {
		if ref, ok := d.byAddress[base]; ok {
			cp := *ref
			return &cp, nil
		}
	}

	return nil, domain.ErrAccountNotFound
}

var _ domain.AccountDirectory = (*Directory)(nil)

// SyncConfigStore 账号同步配置存储。
//
// 持久配置常驻内存映射；临时配置走 TTL 缓存，过期后视同缺失，
// 监听该账号的邮箱在下一次 start 时会再次收到配置缺失错误。
type SyncConfigStore struct {
	mu        sync.RWMutex
	permanent map[string]domain.SyncConfig

	temp    *cache.LocalCache
	tempTTL time.Duration
}

// NewSyncConfigStore 创建同步配置存储。tempTTL 为临时配置的存活时间。
func NewSyncConfigStore(tempTTL time.Duration) *SyncConfigStore {
	return &SyncConfigStore{
		permanent: make(map[string]domain.SyncConfig),
		temp:      cache.NewLocalCache(tempTTL),
		tempTTL:   tempTTL,
	}
}

// Put 写入同步配置。Temporary 为 true 时写入 TTL 缓存。
func (s *SyncConfigStore) Put(cfg domain.SyncConfig) {
	cfg.CreatedAt = time.Now().UTC()

	if cfg.Temporary {
		s.temp.Set(cfg.AccountID, cfg, s.tempTTL)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.permanent[cfg.AccountID] = cfg
}

// Get 查找账号的同步配置，持久配置优先于临时配置。
func (s *SyncConfigStore) Get(accountID string) (*domain.SyncConfig, bool) {
	s.mu.RLock()
	cfg, ok := s.permanent[accountID]
	s.mu.RUnlock()
	if ok {
		return &cfg, true
	}

	if val, ok := s.temp.Get(accountID); ok {
		cfg := val.(domain.SyncConfig)
		return &cfg, true
	}

	return nil, false
}

// Remove 删除账号的同步配置（持久与临时都会清除）。
func (s *SyncConfigStore) Remove(accountID string) {
	s.mu.Lock()
	delete(s.permanent, accountID)
	s.mu.Unlock()

	s.temp.Delete(accountID)
}

// Close 释放后台资源。
func (s *SyncConfigStore) Close() {
	s.temp.Stop()
}
