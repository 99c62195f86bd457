// Package message 定义对话消息相关的类型
package message

import (
	"time"
)

// Role 表示消息的角色类型
type Role string

const (
	// RoleSystem 系统消息
	RoleSystem Role = "system"
	// RoleUser 用户消息
	RoleUser Role = "user"
	// RoleAssistant AI 助手消息
	RoleAssistant Role = "assistant"
)

// IsValid 检查 Role 是否为有效值
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// Message 表示对话中的一条消息
//
// 持久化消息的 ID 由消息存储分配，在同一会话内严格单调递增，
// 写入后不可变。
type Message struct {
	// ID 存储分配的消息标识（单调递增）
	ID int64 `json:"id,omitempty"`
	// ConversationID 所属会话标识
	ConversationID string `json:"conversation_id,omitempty"`
	// Role 消息角色
	Role Role `json:"role"`
	// Content 消息内容
	Content string `json:"content"`
	// Metadata 元数据（如检索参数）
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	// Timestamp 时间戳
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// NewMessage 创建新消息
func NewMessage(role Role, content string) Message {
	return Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewSystemMessage 创建系统消息
func NewSystemMessage(content string) Message {
	return NewMessage(RoleSystem, content)
}

// NewUserMessage 创建用户消息
func NewUserMessage(content string) Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage 创建助手消息
func NewAssistantMessage(content string) Message {
	return NewMessage(RoleAssistant, content)
}

// Validate 验证消息是否有效
func (m *Message) Validate() error {
	if !m.Role.IsValid() {
		return ErrInvalidRole
	}
	if m.Content == "" {
		return ErrEmptyContent
	}
	return nil
}

// Promptable 返回该消息是否可进入提示词
//
// 只有 user/assistant 角色且内容非空的消息才可作为对话回合出现在提示词中。
func (m *Message) Promptable() bool {
	return (m.Role == RoleUser || m.Role == RoleAssistant) && m.Content != ""
}
