package prompt

// Config 保存提示词组装的配置。
type Config struct {
	// MaxTokens 是组装后提示词的硬性 Token 上限。
	MaxTokens int

	// RecentTurns 是逐字保留的最近历史回合窗口大小。
	RecentTurns int

	// MaxPassages 是最多考虑的检索片段数量。
	MaxPassages int

	// PassageTokenLimit 是单个检索片段的 Token 上限，
	// 超出的片段被截断而不是丢弃。
	PassageTokenLimit int

	// RAGStep 是检索片段数量降级阶梯的步长。
	RAGStep int

	// HistoryStep 是历史回合数量降级阶梯的步长。
	HistoryStep int

	// TokenCounter 是要使用的 Token 计数器。
	TokenCounter TokenCounter
}

// ConfigOption 配置 Config。
type ConfigOption func(*Config)

// WithMaxTokens 设置 Token 预算上限。
func WithMaxTokens(tokens int) ConfigOption {
	return func(c *Config) {
		c.MaxTokens = tokens
	}
}

// WithRecentTurns 设置逐字保留的历史回合窗口。
func WithRecentTurns(n int) ConfigOption {
	return func(c *Config) {
		c.RecentTurns = n
	}
}

// WithMaxPassages 设置最多考虑的检索片段数量。
func WithMaxPassages(n int) ConfigOption {
	return func(c *Config) {
		c.MaxPassages = n
	}
}

// WithPassageTokenLimit 设置单个片段的 Token 上限。
func WithPassageTokenLimit(n int) ConfigOption {
	return func(c *Config) {
		c.PassageTokenLimit = n
	}
}

// WithSteps 设置两个降级阶梯的步长。
func WithSteps(ragStep, historyStep int) ConfigOption {
	return func(c *Config) {
		c.RAGStep = ragStep
		c.HistoryStep = historyStep
	}
}

// WithTokenCounter 设置 Token 计数器。
func WithTokenCounter(counter TokenCounter) ConfigOption {
	return func(c *Config) {
		c.TokenCounter = counter
	}
}

// DefaultConfig 返回具有合理默认值的 Config。
// 数值沿用线上服务的既有配置：10 万 Token 预算、20 回合窗口、
// 最多 20 条片段、每条 150 Token。
func DefaultConfig() *Config {
	return &Config{
		MaxTokens:         100_000,
		RecentTurns:       20,
		MaxPassages:       20,
		PassageTokenLimit: 150,
		RAGStep:           5,
		HistoryStep:       4,
		TokenCounter:      nil, // 需要时使用 DefaultTokenCounter()
	}
}

// NewConfig 使用给定的选项创建新的 Config。
func NewConfig(opts ...ConfigOption) *Config {
	c := DefaultConfig()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetTokenCounter 返回配置的 Token 计数器或默认计数器。
func (c *Config) GetTokenCounter() TokenCounter {
	if c.TokenCounter != nil {
		return c.TokenCounter
	}
	return DefaultTokenCounter()
}
