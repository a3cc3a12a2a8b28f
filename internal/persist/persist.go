package persist

import (
	"time"

	"mailpickup/backend/internal/domain"
)

// Bridge 持久化桥：在注册表每次变更后保存完整快照，
// 进程重启时恢复配置、邮件历史与选中项。
//
// 加载时超过新鲜度窗口的快照视为过期并丢弃，限制一次重启
// 能"复活"多旧的状态。恢复永远不会自动重启监听。
type Bridge interface {
	// Save 写入当前快照，并记录写入时间。
	Save(snapshot domain.RegistrySnapshot) error

	// Load 读取最近一次快照。
	// 没有快照时返回 domain.ErrStateNotFound，
	// 快照超过新鲜度窗口时返回 domain.ErrStateExpired。
	Load() (*domain.RegistrySnapshot, error)

	// Close 释放底层存储资源。
	Close() error
}

// expired 判断写入时间是否已超出新鲜度窗口。
func expired(writtenAt, now time.Time, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	return now.Sub(writtenAt) > window
}
