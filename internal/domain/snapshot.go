package domain

import "time"

// RegistrySnapshot 注册表的完整快照：全部邮箱加当前选中项。
type RegistrySnapshot struct {
	Mailboxes  []Mailbox `json:"mailboxes"`
	SelectedID string    `json:"selectedId,omitempty"`
}

// PersistedState 持久化到外部存储的状态，WrittenAt 用于新鲜度判断：
// 超过新鲜度窗口的快照在加载时被丢弃，避免页面级重载复活过旧的状态。
type PersistedState struct {
	Snapshot  RegistrySnapshot `json:"snapshot"`
	WrittenAt time.Time        `json:"writtenAt"`
}
