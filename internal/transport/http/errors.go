package httptransport

import (
	"errors"

	"mailpickup/backend/internal/domain"
	"mailpickup/backend/internal/registry"
	"mailpickup/backend/internal/service"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = []struct {
	err error
	msg string
}{
	{service.ErrDomainNotAllowed, "域名不在允许列表中"},
	{domain.ErrMailboxNotFound, "邮箱不存在"},
	{domain.ErrInvalidAddress, "邮箱地址格式无效"},
	{domain.ErrAccountNotFound, "账号不存在"},
	{registry.ErrRegistryFull, "邮箱数量已达上限"},
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	for _, entry := range errorMessages {
		if errors.Is(err, entry.err) {
			return entry.msg
		}
	}
	return err.Error()
}

// 通用错误消息
const (
	MsgInvalidRequest      = "请求参数格式错误"
	MsgMailboxNotFound     = "邮箱不存在"
	MsgConfigRequired      = "监听前需要补齐账号同步配置"
	MsgWebhookNotFound     = "Webhook 端点不存在"
	MsgAccountCreateFailed = "登记账号失败"
	MsgInternalError       = "服务器内部错误，请稍后重试"
)
