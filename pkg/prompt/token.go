package prompt

import (
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/sgopi888/neuroheart-chat-api/pkg/core/message"
)

// EncodingVersion 是固定的 Token 编码版本。
//
// 摘要、缓存的 Token 成本都以该编码计量；更换编码会使已存数据失效，
// 因此编码选择必须固定并版本化。cl100k_base 覆盖 gpt-4o、gpt-4o-mini、
// gpt-4、gpt-3.5-turbo 等模型。
const EncodingVersion = "cl100k_base"

// MessageOverhead 是每条消息的固定角色框架开销（Token）。
const MessageOverhead = 4

// TokenCounter 定义 Token 计数与截断接口。
type TokenCounter interface {
	// Count 返回给定文本的 Token 数量。Count("") == 0。
	Count(text string) int

	// CountMessage 返回一条消息的总 Token 成本，含角色框架开销。
	CountMessage(role message.Role, content string) int

	// Truncate 截断文本使其不超过 maxTokens 个 Token。
	// 结果在本编码下重编码后是原文的前缀，且 Count(Truncate(s, n)) <= n。
	Truncate(text string, maxTokens int) string
}

// TiktokenCounter 使用 tiktoken 实现精确的 Token 计数。
type TiktokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTiktokenCounter 创建新的 TiktokenCounter。
// 编码固定为 EncodingVersion，保证跨请求、跨版本计数一致。
func NewTiktokenCounter() (*TiktokenCounter, error) {
	encoding, err := tiktoken.GetEncoding(EncodingVersion)
	if err != nil {
		return nil, err
	}
	return &TiktokenCounter{encoding: encoding}, nil
}

// Count 返回给定文本的 Token 数量。
func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// CountMessage 返回一条消息的总 Token 成本。
func (c *TiktokenCounter) CountMessage(_ message.Role, content string) int {
	return c.Count(content) + MessageOverhead
}

// Truncate 截断文本使其不超过 maxTokens 个 Token。
func (c *TiktokenCounter) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if text == "" {
		return text
	}
	tokens := c.encoding.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return c.encoding.Decode(tokens[:maxTokens])
}

// EstimatedCounter 使用字符估算实现 Token 计数。
// 这是当 tiktoken 编码数据不可用时的降级方案。
type EstimatedCounter struct {
	// CharsPerToken 是每个 Token 的平均字符数。
	// 默认值为 4，这是英文文本的合理估计。
	CharsPerToken int
}

// NewEstimatedCounter 创建新的 EstimatedCounter。
func NewEstimatedCounter() *EstimatedCounter {
	return &EstimatedCounter{CharsPerToken: 4}
}

func (c *EstimatedCounter) charsPerToken() int {
	if c.CharsPerToken <= 0 {
		return 4
	}
	return c.CharsPerToken
}

// Count 返回估算的 Token 数量。
func (c *EstimatedCounter) Count(text string) int {
	return (len(text) + c.charsPerToken() - 1) / c.charsPerToken()
}

// CountMessage 返回一条消息的估算总 Token 成本。
func (c *EstimatedCounter) CountMessage(_ message.Role, content string) int {
	return c.Count(content) + MessageOverhead
}

// Truncate 按字符估算截断文本。
// 截断点按 maxTokens*CharsPerToken 字符计算并对齐到 UTF-8 边界，
// 保证 Count(Truncate(s, n)) <= n。
func (c *EstimatedCounter) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	limit := maxTokens * c.charsPerToken()
	if len(text) <= limit {
		return text
	}
	// 对齐到 UTF-8 字符边界，避免截出半个字符
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// DefaultTokenCounter 返回一个 TokenCounter，
// 优先使用 TiktokenCounter，如果不可用则降级到 EstimatedCounter。
func DefaultTokenCounter() TokenCounter {
	counter, err := NewTiktokenCounter()
	if err != nil {
		return NewEstimatedCounter()
	}
	return counter
}

// 编译时接口检查
var _ TokenCounter = (*TiktokenCounter)(nil)
var _ TokenCounter = (*EstimatedCounter)(nil)
