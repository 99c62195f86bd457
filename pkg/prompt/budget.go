package prompt

import (
	"strings"

	"github.com/sgopi888/neuroheart-chat-api/pkg/core/errors"
	"github.com/sgopi888/neuroheart-chat-api/pkg/core/message"
)

// ragHeader 是合并片段块的固定前缀。
const ragHeader = "RAG_CONTEXT (snippets):\n"

// Breakdown 是组装结果按类别的 Token 成本明细。
type Breakdown struct {
	// System 系统指令成本
	System int `json:"tokens_system"`
	// Summary 滚动摘要成本
	Summary int `json:"tokens_summary"`
	// Biometric 生理数据两个块的合计成本
	Biometric int `json:"tokens_biometric"`
	// RAG 选中片段块成本
	RAG int `json:"tokens_rag"`
	// History 选中历史回合成本
	History int `json:"tokens_history"`
	// Reserved 本回合用户消息的预留成本
	Reserved int `json:"tokens_reserved"`
	// Total 总成本
	Total int `json:"tokens_total"`
}

// Assembly 是预算分配的最终结果。
//
// Blocks 按提示词顺序排列：固定块、合并片段块（如非空）、历史回合。
// 预留的用户块不在 Blocks 内，由编排器在补全调用前追加。
type Assembly struct {
	// Blocks 最终有序块序列
	Blocks []Block
	// Reserved 本回合用户消息块
	Reserved Block
	// RAGCount 选中的片段数量
	RAGCount int
	// HistoryCount 选中的历史回合数量
	HistoryCount int
	// Breakdown 成本明细
	Breakdown Breakdown
}

// Messages 返回完整的补全消息序列（含最后追加的用户块）。
func (a *Assembly) Messages() []message.Message {
	msgs := make([]message.Message, 0, len(a.Blocks)+1)
	for _, b := range a.Blocks {
		msgs = append(msgs, b.Message())
	}
	msgs = append(msgs, a.Reserved.Message())
	return msgs
}

// allocation 是降级阶梯上的一个 (片段数, 历史回合数) 候选。
type allocation struct {
	// RAG 片段数量
	RAG int
	// History 历史回合数量
	History int
}

// Allocator 在固定 Token 预算内选择可变块族的大小。
type Allocator struct {
	counter TokenCounter
	config  *Config
}

// NewAllocator 创建新的 Allocator。
func NewAllocator(config *Config) *Allocator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Allocator{
		counter: config.GetTokenCounter(),
		config:  config,
	}
}

// Allocate 在预算内选择片段数和历史回合数，返回最终块序列和成本明细。
//
// 降级策略是一张显式的候选表：先保持完整历史、片段数按 RAGStep
// 递减到 0；片段降到 0 仍放不下时，历史回合数按 HistoryStep 递减。
// 取第一个满足
//
//	fixed + rag(ragN) + hist(histN) + reserved <= MaxTokens
//
// 的组合。片段先于历史被牺牲：检索证据的优先级低于对话本身的
// 连续性，历史被缩减时片段必然已经是 0。由于从最大值开始迭代，
// 成本相同时自然偏向更多上下文。任何组合都不满足时回退到 (0, 0)；
// 若固定块加预留用户块本身已超出预算，返回 ErrBudgetOverflow
// 而不是静默截断固定内容。
func (a *Allocator) Allocate(c *Candidate) (*Assembly, error) {
	fixedTokens := 0
	for _, b := range c.Fixed {
		fixedTokens += b.Tokens
	}

	// 片段成本前缀和；rag(n) 单调不减
	ragPrefix := make([]int, len(c.Passages)+1)
	for i, b := range c.Passages {
		ragPrefix[i+1] = ragPrefix[i] + b.Tokens
	}
	headerTokens := a.counter.CountMessage(message.RoleSystem, ragHeader)
	ragCost := func(n int) int {
		if n == 0 {
			return 0
		}
		return headerTokens + ragPrefix[n]
	}

	// 历史成本后缀和：选 n 时取最近 n 回合；hist(n) 单调不减
	histSuffix := make([]int, len(c.History)+1)
	for i := len(c.History) - 1; i >= 0; i-- {
		histSuffix[len(c.History)-i] = histSuffix[len(c.History)-i-1] + c.History[i].Tokens
	}
	histCost := func(n int) int {
		return histSuffix[n]
	}

	reserved := c.Reserved.Tokens
	budget := a.config.MaxTokens

	ragN, histN := 0, 0
	found := false
	for _, cand := range degradationLadder(len(c.Passages), len(c.History), a.config.RAGStep, a.config.HistoryStep) {
		total := fixedTokens + ragCost(cand.RAG) + histCost(cand.History) + reserved
		if total <= budget {
			ragN, histN = cand.RAG, cand.History
			found = true
			break
		}
	}

	breakdown := a.breakdown(c, ragCost(ragN), histCost(histN))

	if !found && fixedTokens+reserved > budget {
		// 固定块与单条新消息永不被拒绝；装不下即为配置或数据异常
		return nil, errors.WrapError(errors.ErrBudgetOverflow, "fixed blocks exceed budget")
	}

	blocks := make([]Block, 0, len(c.Fixed)+1+histN)
	blocks = append(blocks, c.Fixed...)
	if ragN > 0 {
		blocks = append(blocks, a.mergeRAG(c.Passages[:ragN], ragCost(ragN)))
	}
	if histN > 0 {
		blocks = append(blocks, c.History[len(c.History)-histN:]...)
	}

	return &Assembly{
		Blocks:       blocks,
		Reserved:     c.Reserved,
		RAGCount:     ragN,
		HistoryCount: histN,
		Breakdown:    breakdown,
	}, nil
}

// degradationLadder 构建显式的降级候选表。
//
// 表中候选按优先级排列，第一个放得下的即为选中项：先在完整历史
// 下递减片段数到 0，再在零片段下递减历史回合数。把嵌套的
// 缩减-重试循环摊平成数据表，使降级策略可单独测试。
func degradationLadder(ragMax, histMax, ragStep, histStep int) []allocation {
	if ragStep <= 0 {
		ragStep = 1
	}
	if histStep <= 0 {
		histStep = 1
	}

	ragRungs := ladderRungs(ragMax, ragStep)
	histRungs := ladderRungs(histMax, histStep)

	table := make([]allocation, 0, len(ragRungs)+len(histRungs)-1)
	for _, r := range ragRungs {
		table = append(table, allocation{RAG: r, History: histMax})
	}
	// histRungs[0] == histMax，与上表末项 (0, histMax) 重复，跳过
	for _, h := range histRungs[1:] {
		table = append(table, allocation{RAG: 0, History: h})
	}
	return table
}

// ladderRungs 返回从 max 按 step 递减到 0 的阶梯。
func ladderRungs(max, step int) []int {
	if max <= 0 {
		return []int{0}
	}
	rungs := make([]int, 0, max/step+2)
	for n := max; n > 0; n -= step {
		rungs = append(rungs, n)
	}
	return append(rungs, 0)
}

// mergeRAG 把选中的片段合并为一个 system 块。
func (a *Allocator) mergeRAG(passages []Block, tokens int) Block {
	parts := make([]string, 0, len(passages))
	for _, p := range passages {
		parts = append(parts, p.Content)
	}
	return Block{
		Label:   BlockRAG,
		Role:    message.RoleSystem,
		Content: ragHeader + "- " + strings.Join(parts, "\n- "),
		Tokens:  tokens,
	}
}

// breakdown 计算按类别的成本明细。
func (a *Allocator) breakdown(c *Candidate, ragTokens, histTokens int) Breakdown {
	var bd Breakdown
	for _, b := range c.Fixed {
		switch b.Label {
		case BlockSystem:
			bd.System += b.Tokens
		case BlockSummary:
			bd.Summary += b.Tokens
		case BlockBiometricDaily, BlockBiometricAggregate:
			bd.Biometric += b.Tokens
		}
	}
	bd.RAG = ragTokens
	bd.History = histTokens
	bd.Reserved = c.Reserved.Tokens
	bd.Total = bd.System + bd.Summary + bd.Biometric + bd.RAG + bd.History + bd.Reserved
	return bd
}
