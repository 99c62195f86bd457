package prompt

import (
	"strings"

	"github.com/sgopi888/neuroheart-chat-api/pkg/core/message"
)

// BlockLabel 表示提示词块的类别。
type BlockLabel string

const (
	// BlockSystem 系统指令块（最高优先级，始终包含）
	BlockSystem BlockLabel = "system"
	// BlockSummary 滚动摘要块（摘要为空时省略）
	BlockSummary BlockLabel = "summary"
	// BlockBiometricDaily 生理数据日矩阵块（无数据时省略）
	BlockBiometricDaily BlockLabel = "biometric_daily"
	// BlockBiometricAggregate 生理数据聚合块（无数据时省略）
	BlockBiometricAggregate BlockLabel = "biometric_aggregate"
	// BlockRAG 检索片段块（数量可变）
	BlockRAG BlockLabel = "rag"
	// BlockHistory 对话历史回合块（数量可变）
	BlockHistory BlockLabel = "history"
	// BlockUser 本回合用户消息块（由编排器最后追加）
	BlockUser BlockLabel = "user"
)

// Block 表示一个带已知 Token 成本的提示词内容单元。
// Block 只在一次组装过程中存在，不持久化。
type Block struct {
	// Label 块类别
	Label BlockLabel
	// Role 发送给补全接口时使用的角色
	Role message.Role
	// Content 块文本内容
	Content string
	// Tokens 含角色框架开销的 Token 成本
	Tokens int
}

// Message 把块转换为补全接口的消息。
func (b Block) Message() message.Message {
	return message.Message{Role: b.Role, Content: b.Content}
}

// Passage 表示一条检索到的候选片段。
// 顺序即检索方给出的相关性排序，本包不重排。
type Passage struct {
	// Text 片段文本
	Text string
	// Score 检索相关性分数
	Score float64
	// Source 来源标识
	Source string
	// Type 片段类型（knowledge / memory 等）
	Type string
}

// BiometricInput 是已序列化的生理数据快照输入。
// 两部分各自独立成块，任一为空则对应块省略。
type BiometricInput struct {
	// DailyJSON 日矩阵（每日一行，JSON 序列化）
	DailyJSON string
	// AggregateJSON 聚合标量组（JSON 序列化）
	AggregateJSON string
}

// Input 包含一次提示词组装的全部原始输入。
type Input struct {
	// SystemPrompt 系统指令
	SystemPrompt string
	// Summary 滚动摘要（可为空）
	Summary string
	// Biometrics 生理数据快照（可为零值）
	Biometrics BiometricInput
	// Passages 检索片段（已按相关性排序）
	Passages []Passage
	// History 对话历史（按 id 升序）
	History []message.Message
	// UserMessage 本回合用户消息（预留成本，由编排器最后追加）
	UserMessage string
}

// Candidate 是块构建的结果：固定块、可变块族和预留的用户块。
type Candidate struct {
	// Fixed 固定块，按优先级排列，永不截断
	Fixed []Block
	// Passages 候选片段块，每条已独立截断到片段上限
	Passages []Block
	// History 候选历史回合块，按时间升序
	History []Block
	// Reserved 本回合用户消息块
	Reserved Block
}

// Builder 把原始输入转换为带 Token 成本的候选块。
type Builder struct {
	counter TokenCounter
	config  *Config
}

// NewBuilder 创建新的 Builder。
func NewBuilder(config *Config) *Builder {
	if config == nil {
		config = DefaultConfig()
	}
	return &Builder{
		counter: config.GetTokenCounter(),
		config:  config,
	}
}

// Build 构建候选块序列。
//
// 固定块按优先级排列：系统指令、滚动摘要、生理日矩阵、生理聚合；
// 空内容的块直接省略。片段最多取 MaxPassages 条，逐条截断到
// PassageTokenLimit；截断后为空的片段被排除，与预算无关。
// 历史只保留 user/assistant 角色且内容非空的回合，
// 且只有最近 RecentTurns 回合有资格进入。
func (b *Builder) Build(input Input) *Candidate {
	c := &Candidate{}

	c.Fixed = append(c.Fixed, b.systemBlock(BlockSystem, input.SystemPrompt))

	if input.Summary != "" {
		content := "SESSION_SUMMARY:\n" + input.Summary
		c.Fixed = append(c.Fixed, b.systemBlock(BlockSummary, content))
	}

	if input.Biometrics.DailyJSON != "" {
		content := "HRV_DAILY (JSON):\n" + input.Biometrics.DailyJSON
		c.Fixed = append(c.Fixed, b.systemBlock(BlockBiometricDaily, content))
	}

	if input.Biometrics.AggregateJSON != "" {
		content := "HRV_SUMMARY (JSON):\n" + input.Biometrics.AggregateJSON
		c.Fixed = append(c.Fixed, b.systemBlock(BlockBiometricAggregate, content))
	}

	c.Passages = b.passageBlocks(input.Passages)
	c.History = b.historyBlocks(input.History)

	c.Reserved = Block{
		Label:   BlockUser,
		Role:    message.RoleUser,
		Content: input.UserMessage,
		Tokens:  b.counter.CountMessage(message.RoleUser, input.UserMessage),
	}

	return c
}

// systemBlock 构建一个 system 角色的块并计算成本。
func (b *Builder) systemBlock(label BlockLabel, content string) Block {
	return Block{
		Label:   label,
		Role:    message.RoleSystem,
		Content: content,
		Tokens:  b.counter.CountMessage(message.RoleSystem, content),
	}
}

// passageBlocks 构建候选片段块。
func (b *Builder) passageBlocks(passages []Passage) []Block {
	if len(passages) > b.config.MaxPassages {
		passages = passages[:b.config.MaxPassages]
	}

	blocks := make([]Block, 0, len(passages))
	for _, p := range passages {
		text := strings.TrimSpace(p.Text)
		text = b.counter.Truncate(text, b.config.PassageTokenLimit)
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		blocks = append(blocks, Block{
			Label:   BlockRAG,
			Role:    message.RoleSystem,
			Content: text,
			Tokens:  b.counter.Count("- " + text + "\n"),
		})
	}
	return blocks
}

// historyBlocks 构建候选历史回合块。
func (b *Builder) historyBlocks(history []message.Message) []Block {
	var eligible []message.Message
	for _, m := range history {
		if m.Promptable() {
			eligible = append(eligible, m)
		}
	}

	if len(eligible) > b.config.RecentTurns {
		eligible = eligible[len(eligible)-b.config.RecentTurns:]
	}

	blocks := make([]Block, 0, len(eligible))
	for _, m := range eligible {
		blocks = append(blocks, Block{
			Label:   BlockHistory,
			Role:    m.Role,
			Content: m.Content,
			Tokens:  b.counter.CountMessage(m.Role, m.Content),
		})
	}
	return blocks
}
