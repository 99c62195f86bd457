// Package llm 提供文本补全服务的统一接口
package llm

import (
	"context"

	"github.com/sgopi888/neuroheart-chat-api/pkg/core/message"
)

// Provider 定义文本补全提供商接口
//
// 摘要压缩与最终回复都通过同一接口调用，区别只在发送的提示词。
type Provider interface {
	// Generate 生成响应（非流式）
	//
	// 参数:
	//   - ctx: 上下文
	//   - req: 请求参数
	//
	// 返回:
	//   - Response: 响应结果
	//   - error: 调用错误
	Generate(ctx context.Context, req Request) (Response, error)

	// Name 返回提供商名称
	Name() string

	// Model 返回当前模型名称
	Model() string

	// Close 关闭客户端连接
	Close() error
}

// Request 补全请求
type Request struct {
	// Messages 有序消息序列
	Messages []message.Message
	// Temperature 温度参数（可选）
	Temperature *float64
	// MaxTokens 最大输出 token（可选）
	MaxTokens *int
	// Stop 停止序列（可选）
	Stop []string
}

// Response 补全响应
type Response struct {
	// ID 响应标识
	ID string `json:"id"`
	// Content 响应文本内容
	Content string `json:"content"`
	// TokenUsage Token 使用统计
	TokenUsage message.TokenUsage `json:"token_usage"`
	// FinishReason 结束原因
	// 值: "stop", "length", "content_filter"
	FinishReason string `json:"finish_reason"`
}
