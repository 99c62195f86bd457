package prompt_test

import (
	stderrors "errors"
	"strings"
	"testing"

	"github.com/sgopi888/neuroheart-chat-api/pkg/core/errors"
	"github.com/sgopi888/neuroheart-chat-api/pkg/core/message"
	"github.com/sgopi888/neuroheart-chat-api/pkg/prompt"
)

// charCounter 让 1 字符 = 1 Token，配合手工构造的块让成本可精确推算。
func charCounter() prompt.TokenCounter {
	return &prompt.EstimatedCounter{CharsPerToken: 1}
}

// ragHeaderCost 合并片段块头部的固定成本（24 字符 + 消息开销）
const ragHeaderCost = 24 + prompt.MessageOverhead

func allocConfig(budget, ragStep, histStep int) *prompt.Config {
	return prompt.NewConfig(
		prompt.WithMaxTokens(budget),
		prompt.WithSteps(ragStep, histStep),
		prompt.WithTokenCounter(charCounter()),
	)
}

func fixedBlock(tokens int) prompt.Block {
	return prompt.Block{Label: prompt.BlockSystem, Role: message.RoleSystem, Content: "sys", Tokens: tokens}
}

func passageBlock(content string, tokens int) prompt.Block {
	return prompt.Block{Label: prompt.BlockRAG, Role: message.RoleSystem, Content: content, Tokens: tokens}
}

func historyBlock(content string, tokens int) prompt.Block {
	return prompt.Block{Label: prompt.BlockHistory, Role: message.RoleUser, Content: content, Tokens: tokens}
}

func reservedBlock(tokens int) prompt.Block {
	return prompt.Block{Label: prompt.BlockUser, Role: message.RoleUser, Content: "question", Tokens: tokens}
}

func baseCandidate() *prompt.Candidate {
	return &prompt.Candidate{
		Fixed: []prompt.Block{fixedBlock(10)},
		Passages: []prompt.Block{
			passageBlock("passage one", 5),
			passageBlock("passage two", 5),
		},
		History: []prompt.Block{
			historyBlock("older turn", 6),
			historyBlock("newer turn", 6),
		},
		Reserved: reservedBlock(8),
	}
}

func TestAllocate_EverythingFits(t *testing.T) {
	a := prompt.NewAllocator(allocConfig(1000, 1, 1))

	asm, err := a.Allocate(baseCandidate())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if asm.RAGCount != 2 || asm.HistoryCount != 2 {
		t.Errorf("expected (2, 2), got (%d, %d)", asm.RAGCount, asm.HistoryCount)
	}
	// 固定块 + 合并片段块 + 两个历史回合
	if len(asm.Blocks) != 4 {
		t.Fatalf("expected 4 blocks, got %d", len(asm.Blocks))
	}

	bd := asm.Breakdown
	if bd.System != 10 {
		t.Errorf("expected system cost 10, got %d", bd.System)
	}
	if bd.RAG != ragHeaderCost+10 {
		t.Errorf("expected rag cost %d, got %d", ragHeaderCost+10, bd.RAG)
	}
	if bd.History != 12 {
		t.Errorf("expected history cost 12, got %d", bd.History)
	}
	if bd.Reserved != 8 {
		t.Errorf("expected reserved cost 8, got %d", bd.Reserved)
	}
	if bd.Total != bd.System+bd.RAG+bd.History+bd.Reserved {
		t.Errorf("breakdown total mismatch: %+v", bd)
	}
}

func TestAllocate_MergedRAGBlock(t *testing.T) {
	a := prompt.NewAllocator(allocConfig(1000, 1, 1))

	asm, err := a.Allocate(baseCandidate())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	var ragBlock *prompt.Block
	for i := range asm.Blocks {
		if asm.Blocks[i].Label == prompt.BlockRAG {
			ragBlock = &asm.Blocks[i]
		}
	}
	if ragBlock == nil {
		t.Fatal("expected a merged rag block")
	}
	want := "RAG_CONTEXT (snippets):\n- passage one\n- passage two"
	if ragBlock.Content != want {
		t.Errorf("expected %q, got %q", want, ragBlock.Content)
	}
}

func TestAllocate_RAGDegradesBeforeHistory(t *testing.T) {
	// (2,2) 成本 68 超出 65，(1,2) 成本 63 放得下：
	// 历史保持完整窗口，只有片段被缩减
	a := prompt.NewAllocator(allocConfig(65, 1, 1))

	asm, err := a.Allocate(baseCandidate())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if asm.RAGCount != 1 {
		t.Errorf("expected 1 passage, got %d", asm.RAGCount)
	}
	if asm.HistoryCount != 2 {
		t.Errorf("expected full history window, got %d", asm.HistoryCount)
	}
}

func TestAllocate_HistoryReducedOnlyAfterRAGZero(t *testing.T) {
	// (0,2) 成本 30 超出 29，(0,1) 成本 24 放得下
	a := prompt.NewAllocator(allocConfig(29, 1, 1))

	asm, err := a.Allocate(baseCandidate())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if asm.RAGCount != 0 {
		t.Errorf("expected zero passages before history reduction, got %d", asm.RAGCount)
	}
	if asm.HistoryCount != 1 {
		t.Errorf("expected 1 history turn, got %d", asm.HistoryCount)
	}

	// 保留的必须是最近的回合
	last := asm.Blocks[len(asm.Blocks)-1]
	if last.Content != "newer turn" {
		t.Errorf("expected most recent turn kept, got %q", last.Content)
	}
}

func TestAllocate_FallbackToFixedOnly(t *testing.T) {
	// 预算恰好容纳固定块 + 预留块
	a := prompt.NewAllocator(allocConfig(18, 1, 1))

	asm, err := a.Allocate(baseCandidate())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if asm.RAGCount != 0 || asm.HistoryCount != 0 {
		t.Errorf("expected (0, 0), got (%d, %d)", asm.RAGCount, asm.HistoryCount)
	}
	if len(asm.Blocks) != 1 {
		t.Errorf("expected only fixed blocks, got %d", len(asm.Blocks))
	}
}

func TestAllocate_BudgetOverflow(t *testing.T) {
	// 固定块 + 预留块 = 18 > 17：不得静默截断固定内容
	a := prompt.NewAllocator(allocConfig(17, 1, 1))

	_, err := a.Allocate(baseCandidate())
	if err == nil {
		t.Fatal("expected budget overflow error")
	}
	if !stderrors.Is(err, errors.ErrBudgetOverflow) {
		t.Errorf("expected ErrBudgetOverflow, got %v", err)
	}
}

func TestAllocate_StepLadder(t *testing.T) {
	// 12 个片段、步长 5：阶梯为 12, 7, 2, 0。
	// 预算 250 只容得下 2 个
	passages := make([]prompt.Block, 12)
	for i := range passages {
		passages[i] = passageBlock(strings.Repeat("x", 100), 100)
	}
	c := &prompt.Candidate{
		Fixed:    []prompt.Block{fixedBlock(10)},
		Passages: passages,
		Reserved: reservedBlock(8),
	}

	a := prompt.NewAllocator(allocConfig(250, 5, 4))

	asm, err := a.Allocate(c)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if asm.RAGCount != 2 {
		t.Errorf("expected ladder to select 2 passages, got %d", asm.RAGCount)
	}
	if asm.Breakdown.Total > 250 {
		t.Errorf("total %d exceeds budget", asm.Breakdown.Total)
	}
}

func TestAssembly_MessagesOrder(t *testing.T) {
	a := prompt.NewAllocator(allocConfig(1000, 1, 1))

	asm, err := a.Allocate(baseCandidate())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	msgs := asm.Messages()
	if len(msgs) != len(asm.Blocks)+1 {
		t.Fatalf("expected %d messages, got %d", len(asm.Blocks)+1, len(msgs))
	}
	last := msgs[len(msgs)-1]
	if last.Role != message.RoleUser || last.Content != "question" {
		t.Errorf("expected reserved user turn last, got %s %q", last.Role, last.Content)
	}
}
