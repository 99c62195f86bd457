// Package errors 定义服务的通用错误类型
package errors

import (
	"errors"
	"fmt"
)

// 通用错误
var (
	// ErrInvalidConfig 配置无效
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrContextCanceled 上下文被取消
	ErrContextCanceled = errors.New("context canceled")
)

// 会话相关错误
var (
	// ErrConversationNotFound 会话不存在或不属于该用户
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrEmptyMessage 消息内容为空
	ErrEmptyMessage = errors.New("empty message")
	// ErrStaleWatermark 摘要水位线已被更新的写入超越
	ErrStaleWatermark = errors.New("stale summary watermark")
)

// 提示词组装相关错误
var (
	// ErrBudgetOverflow 固定内容加新消息已超出 Token 预算，无法组装提示词
	ErrBudgetOverflow = errors.New("cannot construct prompt within token budget")
)

// LLM 相关错误
var (
	// ErrRateLimited 请求被限速
	ErrRateLimited = errors.New("rate limited")
	// ErrTimeout 请求超时
	ErrTimeout = errors.New("request timeout")
	// ErrInvalidAPIKey API 密钥无效
	ErrInvalidAPIKey = errors.New("invalid API key")
	// ErrModelNotFound 模型未找到
	ErrModelNotFound = errors.New("model not found")
	// ErrProviderUnavailable 提供商不可用
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrInvalidResponse LLM 响应无效
	ErrInvalidResponse = errors.New("invalid LLM response")
)

// WrapError 包装错误并添加上下文信息
func WrapError(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrProviderUnavailable)
}

// IsFatal 判断错误是否为致命错误（不可恢复）
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrInvalidAPIKey) ||
		errors.Is(err, ErrModelNotFound) ||
		errors.Is(err, ErrInvalidConfig)
}
