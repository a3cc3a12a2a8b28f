package domain

import "time"

// AccountRef 上游邮件账号的引用，搜索服务按账号上下文鉴权。
type AccountRef struct {
	ID          string `json:"id"`
	Address     string `json:"address"`
	Provider    string `json:"provider,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// SyncConfig 账号的同步配置。监听一个解析到已知账号的邮箱之前，
// 必须存在持久化或临时的同步配置（临时配置带 TTL，过期后视同缺失）。
type SyncConfig struct {
	AccountID string    `json:"accountId"`
	Protocol  string    `json:"protocol"` // imap / pop3 / api
	Folder    string    `json:"folder,omitempty"`
	Temporary bool      `json:"temporary"`
	CreatedAt time.Time `json:"createdAt"`
}

// AccountDirectory 账号目录：按地址查找账号，需支持子地址回退
// （user+tag@domain 回退到 user@domain）。
type AccountDirectory interface {
	FindAccountByAddress(address string) (*AccountRef, error)
}

// SubscriptionService 可选的推送通知服务，用于替代部分轮询。
// 推送只用来提前唤醒监听循环，检查本身仍在循环内串行执行。
type SubscriptionService interface {
	CreateSubscription(accountID, addressFilter string) (string, error)
	DeleteSubscription(subscriptionID string) error
}
