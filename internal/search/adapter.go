package search

import (
	"context"
	"time"

	"mailpickup/backend/internal/domain"
)

// Query 单次搜索检查的参数。
type Query struct {
	Address   string    // 字面地址，不做子地址归一化
	AccountID string    // 解析出的上游账号，用于鉴权上下文
	Since     time.Time // 搜索窗口下界（监听启动时间）
	Limit     int       // 单次返回的最大邮件数
}

// Adapter 搜索适配器：对上游邮件系统执行一次地址搜索。
//
// 实现必须区分两类失败：
//   - *domain.TransientSearchError：暂时性失败，循环继续
//   - *domain.FatalSearchError：致命失败，监听停止
//
// 返回的批次可能包含与历史重复的邮件，去重由注册表负责。
type Adapter interface {
	Search(ctx context.Context, q Query) ([]domain.Message, error)
}
