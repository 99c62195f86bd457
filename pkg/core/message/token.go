package message

// TokenUsage Token 使用统计
type TokenUsage struct {
	// PromptTokens 提示词 Token 数
	PromptTokens int `json:"prompt_tokens"`
	// CompletionTokens 生成 Token 数
	CompletionTokens int `json:"completion_tokens"`
	// TotalTokens 总 Token 数
	TotalTokens int `json:"total_tokens"`
}

// Add 累加另一份使用统计
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}
