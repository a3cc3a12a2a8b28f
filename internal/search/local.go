package search

import (
	"context"

	"mailpickup/backend/internal/domain"
)

// LocalAdapter 查询进程内收件存储的适配器，用于开发模式：
// 本机 SMTP 端口收到的邮件直接可被监听循环取到，不依赖外部
// 搜索服务。
type LocalAdapter struct {
	source Source
}

// Source 收件存储需要实现的查询接口。
type Source interface {
	Search(address string, q Query) []domain.Message
}

// NewLocalAdapter 创建本地搜索适配器。
func NewLocalAdapter(source Source) *LocalAdapter {
	return &LocalAdapter{source: source}
}

// Search 从本地存储查询，不会产生暂时性或致命错误。
func (a *LocalAdapter) Search(ctx context.Context, q Query) ([]domain.Message, error) {
	select {
	case <-ctx.Done():
		return nil, &domain.TransientSearchError{Err: ctx.Err()}
	default:
	}
	return a.source.Search(q.Address, q), nil
}

var _ Adapter = (*LocalAdapter)(nil)
