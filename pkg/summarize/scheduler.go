// Package summarize 实现滚动摘要的增量压缩调度。
//
// 调度器在每次请求时判断是否需要把最近窗口之外的旧消息压缩进
// 滚动摘要：消息总数超过阈值，或水位线之后、窗口之前的未压缩
// 消息 Token 成本超过触发值时触发，两个条件各自独立生效。
// 压缩失败只记日志并沿用旧摘要，下次请求以同一输入集安全重试；
// 成功时水位线原子推进到本轮压缩消息的最大 id，永不回退。
package summarize

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/sgopi888/neuroheart-chat-api/pkg/core/errors"
	"github.com/sgopi888/neuroheart-chat-api/pkg/core/llm"
	"github.com/sgopi888/neuroheart-chat-api/pkg/core/message"
	"github.com/sgopi888/neuroheart-chat-api/pkg/history"
	"github.com/sgopi888/neuroheart-chat-api/pkg/otel"
	"github.com/sgopi888/neuroheart-chat-api/pkg/prompt"
)

// Store 定义调度器需要的存储操作子集。
// *history.Store 实现了该接口；测试中可用内存实现替换。
type Store interface {
	// CountMessages 返回会话消息总数
	CountMessages(ctx context.Context, conversationID string) (int, error)
	// FetchRecentIDs 返回最近 n 条消息 id（升序）
	FetchRecentIDs(ctx context.Context, conversationID string, n int) ([]int64, error)
	// FetchRange 返回 (afterID, beforeID) 区间内的消息（升序）
	FetchRange(ctx context.Context, conversationID string, afterID, beforeID int64) ([]message.Message, error)
	// GetOrCreateSummary 返回摘要行，首次访问惰性创建
	GetOrCreateSummary(ctx context.Context, userUID, conversationID string) (*history.Summary, error)
	// UpdateSummary 条件写入摘要与水位线
	UpdateSummary(ctx context.Context, conversationID string, watermark int64, summaryText string) error
}

// Config 保存摘要调度的配置。
type Config struct {
	// Threshold 触发压缩的消息总数阈值
	Threshold int

	// RecentTurns 逐字保留、永不压缩的最近窗口大小
	RecentTurns int

	// HistoryTokenTrigger 未压缩旧消息的 Token 成本触发值
	HistoryTokenTrigger int

	// SummaryMaxTokens 摘要文本的固定 Token 上限
	SummaryMaxTokens int
}

// ConfigOption 配置 Config。
type ConfigOption func(*Config)

// WithThreshold 设置消息总数阈值。
func WithThreshold(n int) ConfigOption {
	return func(c *Config) {
		c.Threshold = n
	}
}

// WithRecentTurns 设置逐字保留的最近窗口。
func WithRecentTurns(n int) ConfigOption {
	return func(c *Config) {
		c.RecentTurns = n
	}
}

// WithHistoryTokenTrigger 设置 Token 成本触发值。
func WithHistoryTokenTrigger(n int) ConfigOption {
	return func(c *Config) {
		c.HistoryTokenTrigger = n
	}
}

// WithSummaryMaxTokens 设置摘要长度上限。
func WithSummaryMaxTokens(n int) ConfigOption {
	return func(c *Config) {
		c.SummaryMaxTokens = n
	}
}

// DefaultConfig 返回具有合理默认值的 Config。
func DefaultConfig() *Config {
	return &Config{
		Threshold:           40,
		RecentTurns:         20,
		HistoryTokenTrigger: 4000,
		SummaryMaxTokens:    512,
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

// Scheduler 摘要压缩调度器。
type Scheduler struct {
	store    Store
	provider llm.Provider
	counter  prompt.TokenCounter
	config   *Config
	logger   otel.Logger
	metrics  otel.Metrics
}

// SchedulerOption 配置 Scheduler。
type SchedulerOption func(*Scheduler)

// WithLogger 设置日志器。
func WithLogger(logger otel.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithMetrics 设置指标收集器。
func WithMetrics(metrics otel.Metrics) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = metrics
	}
}

// WithConfig 设置配置。
func WithConfig(config *Config) SchedulerOption {
	return func(s *Scheduler) {
		s.config = config
	}
}

// WithTokenCounter 设置 Token 计数器。
func WithTokenCounter(counter prompt.TokenCounter) SchedulerOption {
	return func(s *Scheduler) {
		s.counter = counter
	}
}

// NewScheduler 创建摘要调度器。
func NewScheduler(store Store, provider llm.Provider, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:    store,
		provider: provider,
		config:   DefaultConfig(),
		logger:   otel.NewNoopLogger(),
		metrics:  otel.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.counter == nil {
		s.counter = prompt.DefaultTokenCounter()
	}
	return s
}

// Run 执行一次调度，返回会话当前应使用的滚动摘要。
//
// 未触发、无可压缩消息或压缩失败时返回既有摘要；只有压缩成功
// 并推进水位线后才返回新摘要。存储读取失败之外的错误不会上抛：
// 压缩是优化而非正确性要求。
func (s *Scheduler) Run(ctx context.Context, userUID, conversationID string) (string, error) {
	summary, err := s.store.GetOrCreateSummary(ctx, userUID, conversationID)
	if err != nil {
		return "", err
	}
	current := summary.Summary

	total, err := s.store.CountMessages(ctx, conversationID)
	if err != nil {
		return "", err
	}

	recentIDs, err := s.store.FetchRecentIDs(ctx, conversationID, s.config.RecentTurns)
	if err != nil {
		return "", err
	}
	if len(recentIDs) == 0 {
		return current, nil
	}
	cutoff := recentIDs[0]

	var afterID int64
	if summary.Watermark != nil {
		afterID = *summary.Watermark
	}

	pending, err := s.store.FetchRange(ctx, conversationID, afterID, cutoff)
	if err != nil {
		return "", err
	}
	if len(pending) == 0 {
		// 没有可压缩的消息时绝不移动水位线
		return current, nil
	}

	if total <= s.config.Threshold && s.pendingTokens(pending) <= s.config.HistoryTokenTrigger {
		return current, nil
	}

	s.metrics.Counter(otel.MetricSummarizeRuns).Add(ctx, 1)

	req := llm.Request{Messages: compressionPrompt(current, pending)}
	resp, err := s.provider.Generate(ctx, req)
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		if err == nil {
			err = errors.ErrInvalidResponse
		}
		s.metrics.Counter(otel.MetricSummarizeFailures).Add(ctx, 1)
		s.logger.Warn("summarization failed, keeping previous summary",
			"conversation_id", conversationID, "error", err)
		return current, nil
	}

	next := s.counter.Truncate(strings.TrimSpace(resp.Content), s.config.SummaryMaxTokens)
	maxID := pending[len(pending)-1].ID

	if err := s.store.UpdateSummary(ctx, conversationID, maxID, next); err != nil {
		if stderrors.Is(err, errors.ErrStaleWatermark) {
			// 并发压缩抢先推进了水位线，读取胜者的摘要
			latest, rerr := s.store.GetOrCreateSummary(ctx, userUID, conversationID)
			if rerr == nil {
				return latest.Summary, nil
			}
		}
		s.metrics.Counter(otel.MetricSummarizeFailures).Add(ctx, 1)
		s.logger.Warn("summary update failed, keeping previous summary",
			"conversation_id", conversationID, "error", err)
		return current, nil
	}

	s.logger.Info("conversation summary advanced",
		"conversation_id", conversationID,
		"watermark", maxID,
		"compressed", len(pending))

	return next, nil
}

// pendingTokens 计算未压缩消息集的 Token 成本。
func (s *Scheduler) pendingTokens(msgs []message.Message) int {
	total := 0
	for _, m := range msgs {
		total += s.counter.CountMessage(m.Role, m.Content)
	}
	return total
}

// compressionPrompt 渲染结构化压缩请求：既有摘要 + 新消息。
func compressionPrompt(existing string, msgs []message.Message) []message.Message {
	var lines []string
	for _, m := range msgs {
		if m.Role != message.RoleUser && m.Role != message.RoleAssistant {
			continue
		}
		lines = append(lines, strings.ToUpper(string(m.Role))+": "+m.Content)
	}

	var b strings.Builder
	b.WriteString("You are summarizing a health coaching chat session.\n\n")
	if existing != "" {
		fmt.Fprintf(&b, "EXISTING SUMMARY:\n%s\n\n", existing)
	}
	fmt.Fprintf(&b, "NEW MESSAGES TO INCORPORATE:\n%s\n\n", strings.Join(lines, "\n"))
	b.WriteString("Produce a concise updated summary in this structured format:\n" +
		"- User profile / preferences learned:\n" +
		"- Recurring symptoms / patterns mentioned:\n" +
		"- Key events / dates:\n" +
		"- Action items / commitments:\n" +
		"- Open questions / unresolved threads:\n" +
		"Keep each section to 1-3 bullet points maximum.")

	return []message.Message{
		message.NewSystemMessage("You are a precise summarizer."),
		message.NewUserMessage(b.String()),
	}
}
