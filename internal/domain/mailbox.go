package domain

import (
	"time"
)

// ConnectionState 表示邮箱监听循环的连接状态。
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected" // 未监听
	StateConnecting   ConnectionState = "connecting"   // 正在解析上游账号关联
	StateConnected    ConnectionState = "connected"    // 监听循环运行中
	StateError        ConnectionState = "error"        // 因致命错误停止
)

// MailboxConfig 单个邮箱的监听配置。
type MailboxConfig struct {
	IntervalSeconds int              `json:"intervalSeconds"` // 轮询间隔（秒）
	TimeoutSeconds  int              `json:"timeoutSeconds"`  // 监听超时（秒），0 表示不限时
	ExtractionRules []ExtractionRule `json:"extractionRules,omitempty"`
}

// MailboxConfigPatch 部分更新邮箱配置，nil 字段保持原值。
type MailboxConfigPatch struct {
	IntervalSeconds *int              `json:"intervalSeconds,omitempty"`
	TimeoutSeconds  *int              `json:"timeoutSeconds,omitempty"`
	ExtractionRules *[]ExtractionRule `json:"extractionRules,omitempty"`
}

// Mailbox 表示一个被观察的临时取件地址。
//
// 不变量：
//   - Messages 按日期降序排列，且消息 ID 不重复
//   - Extracted 与 Messages 按下标一一对应
//
// 两个切片只能通过 registry 的合并操作修改。
type Mailbox struct {
	ID              string          `json:"id"`
	Address         string          `json:"address"`
	LocalPart       string          `json:"localPart"`
	Domain          string          `json:"domain"`
	AccountID       string          `json:"accountId,omitempty"` // 监听启动时解析出的上游账号
	Config          MailboxConfig   `json:"config"`
	Listening       bool            `json:"listening"`
	ConnectionState ConnectionState `json:"connectionState"`
	ChecksPerformed int             `json:"checksPerformed"` // 本次监听已执行的检查次数，重新启动时归零
	StartedAt       time.Time       `json:"startedAt"`       // 最近一次启动监听的时间，也是搜索窗口下界
	CreatedAt       time.Time       `json:"createdAt"`
	Messages        []Message       `json:"messages"`
	Extracted       []Extraction    `json:"extracted"`
}

// Interval 返回轮询间隔。
func (c MailboxConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Timeout 返回监听超时，0 表示不限时。
func (c MailboxConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
