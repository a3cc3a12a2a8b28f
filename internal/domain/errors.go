package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMailboxNotFound 引用的邮箱 ID 不存在。
	ErrMailboxNotFound = errors.New("mailbox not found")
	// ErrInvalidAddress 地址未通过基本语法校验。
	ErrInvalidAddress = errors.New("invalid mailbox address")
	// ErrAccountNotFound 账号目录中不存在该账号。
	ErrAccountNotFound = errors.New("account not found")
	// ErrStateExpired 持久化状态超过新鲜度窗口，已被丢弃。
	ErrStateExpired = errors.New("persisted state expired")
	// ErrStateNotFound 持久化存储中没有状态。
	ErrStateNotFound = errors.New("persisted state not found")
)

// ConfigurationRequiredError 可恢复的前置条件错误：邮箱解析不到
// 上游账号，或账号缺少同步配置。调用方补齐配置后可以对同一个
// 邮箱重新发起 start，邮箱状态不会被重置。
type ConfigurationRequiredError struct {
	MailboxID string
	AccountID string // 为空表示地址没有解析到任何账号
}

func (e *ConfigurationRequiredError) Error() string {
	if e.AccountID == "" {
		return fmt.Sprintf("configuration required: no account associated with mailbox %s", e.MailboxID)
	}
	return fmt.Sprintf("configuration required: account %s has no sync configuration (mailbox %s)", e.AccountID, e.MailboxID)
}

// TransientSearchError 搜索检查中的暂时性错误（网络超时、5xx 等）。
// 只记录日志，监听循环继续，下一次定时检查即是重试。
type TransientSearchError struct {
	Err error
}

func (e *TransientSearchError) Error() string {
	return fmt.Sprintf("transient search error: %v", e.Err)
}

func (e *TransientSearchError) Unwrap() error { return e.Err }

// FatalSearchError 搜索检查中的致命错误（认证被拒、资源不存在等）。
// 调度器停止该邮箱的监听并将连接状态置为 Error。
type FatalSearchError struct {
	StatusCode int
	Err        error
}

func (e *FatalSearchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fatal search error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fatal search error: %v", e.Err)
}

func (e *FatalSearchError) Unwrap() error { return e.Err }
