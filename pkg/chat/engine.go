// Package chat 实现单轮对话的编排。
//
// 一轮的主线：持久化用户消息、并行拉取历史 / 生理快照 / 检索片段、
// 按需推进滚动摘要、在预算内装配提示、调用补全、持久化助手回复。
// 生理与检索是增强输入，失败降级为空；历史读取失败则整轮失败。
package chat

import (
	"context"
	"sync"
	"time"

	"github.com/sgopi888/neuroheart-chat-api/pkg/core/llm"
	"github.com/sgopi888/neuroheart-chat-api/pkg/core/message"
	"github.com/sgopi888/neuroheart-chat-api/pkg/hrv"
	"github.com/sgopi888/neuroheart-chat-api/pkg/otel"
	"github.com/sgopi888/neuroheart-chat-api/pkg/prompt"
)

// historyFetchTimeout 历史读取的独立超时。
// 生理与检索客户端自带超时，历史读取也不依赖外层请求的截止时间。
const historyFetchTimeout = 5 * time.Second

// systemPrompt 每轮固定注入的系统指令
const systemPrompt = "You are NeuroHeart, a personal health insights assistant. " +
	"Use the provided HRV and health context when relevant to give personalized advice. " +
	"Never reference another user's data. " +
	"Keep answers concise, practical, and supportive."

// HistoryStore 定义编排器需要的历史存储操作。
// *history.Store 实现了该接口。
type HistoryStore interface {
	// AssertOwner 校验会话归属
	AssertOwner(ctx context.Context, userUID, conversationID string) error
	// InsertMessage 追加消息并返回自增 id
	InsertMessage(ctx context.Context, userUID, conversationID string, role message.Role, content string, metadata map[string]interface{}) (int64, error)
	// FetchRecent 返回 beforeID 之前最近 limit 条消息（升序）
	FetchRecent(ctx context.Context, conversationID string, limit int, beforeID int64) ([]message.Message, error)
}

// Summarizer 定义滚动摘要调度入口。
// *summarize.Scheduler 实现了该接口。
type Summarizer interface {
	// Run 执行一次调度并返回当前摘要
	Run(ctx context.Context, userUID, conversationID string) (string, error)
}

// BiometricSource 定义生理快照来源。
// *hrv.Client 实现了该接口。
type BiometricSource interface {
	// Fetch 拉取快照，失败返回空快照
	Fetch(ctx context.Context, userUID, hrvRange string) hrv.Snapshot
}

// Retriever 定义知识检索来源。
// *rag.Client 实现了该接口。
type Retriever interface {
	// Retrieve 检索相关片段，失败返回空
	Retrieve(ctx context.Context, queryText, userUID string, topK int) []prompt.Passage
}

// TurnRequest 一轮对话的输入。
type TurnRequest struct {
	// UserUID 请求方用户标识
	UserUID string
	// ConversationID 会话标识
	ConversationID string
	// Message 用户消息
	Message string
	// HRVRange 生理数据时间范围（"7d"、"30d" 等）
	HRVRange string
	// RAGTopK 检索片段数，0 取默认值
	RAGTopK int
}

// TurnResult 一轮对话的输出。
type TurnResult struct {
	// Reply 助手回复
	Reply string `json:"reply"`
	// UsedContext 本轮是否注入了生理或检索上下文
	UsedContext bool `json:"used_context"`
	// HRVRange 实际使用的时间范围
	HRVRange string `json:"hrv_range"`
	// RAGCount 本轮检索到的片段数（预算降级可能少注入，见 Breakdown）
	RAGCount int `json:"rag_k"`
	// LatencyMS 端到端耗时（毫秒）
	LatencyMS int64 `json:"latency_ms"`
	// Breakdown 提示装配的 Token 明细
	Breakdown prompt.Breakdown `json:"breakdown"`
}

// Engine 单轮对话编排器。
type Engine struct {
	store      HistoryStore
	summarizer Summarizer
	biometrics BiometricSource
	retriever  Retriever
	provider   llm.Provider
	builder    *prompt.Builder
	allocator  *prompt.Allocator
	config     *prompt.Config
	logger     otel.Logger
	metrics    otel.Metrics

	defaultTopK int
}

// EngineOption 配置 Engine。
type EngineOption func(*Engine)

// WithLogger 设置日志器。
func WithLogger(logger otel.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics 设置指标收集器。
func WithMetrics(metrics otel.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithPromptConfig 设置提示装配配置。
func WithPromptConfig(config *prompt.Config) EngineOption {
	return func(e *Engine) {
		e.config = config
	}
}

// WithDefaultTopK 设置检索片段数默认值。
func WithDefaultTopK(k int) EngineOption {
	return func(e *Engine) {
		e.defaultTopK = k
	}
}

// NewEngine 创建对话编排器。
func NewEngine(
	store HistoryStore,
	summarizer Summarizer,
	biometrics BiometricSource,
	retriever Retriever,
	provider llm.Provider,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		store:       store,
		summarizer:  summarizer,
		biometrics:  biometrics,
		retriever:   retriever,
		provider:    provider,
		config:      prompt.DefaultConfig(),
		logger:      otel.NewNoopLogger(),
		metrics:     otel.NewNoopMetrics(),
		defaultTopK: 3,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.builder = prompt.NewBuilder(e.config)
	e.allocator = prompt.NewAllocator(e.config)
	return e
}

// RunTurn 执行一轮完整的对话。
//
// 用户消息先入库，历史读取以新消息 id 为上界，保证本轮消息
// 不会在历史区重复出现。生理快照与检索并行拉取，各自失败
// 降级为空；历史读取或补全调用失败则整轮失败，已入库的用户
// 消息保留，下轮作为普通历史参与。
func (e *Engine) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	start := time.Now()
	e.metrics.Counter(otel.MetricChatTurns).Add(ctx, 1)

	result, err := e.runTurn(ctx, req)
	if err != nil {
		e.metrics.Counter(otel.MetricChatErrors).Add(ctx, 1)
		return nil, err
	}

	result.LatencyMS = time.Since(start).Milliseconds()
	e.metrics.Histogram(otel.MetricChatTurnDuration).Record(ctx, float64(result.LatencyMS))
	return result, nil
}

func (e *Engine) runTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.HRVRange == "" {
		req.HRVRange = "7d"
	}
	topK := req.RAGTopK
	if topK <= 0 {
		topK = e.defaultTopK
	}

	if err := e.store.AssertOwner(ctx, req.UserUID, req.ConversationID); err != nil {
		return nil, err
	}

	userMsgID, err := e.store.InsertMessage(ctx, req.UserUID, req.ConversationID, message.RoleUser, req.Message, nil)
	if err != nil {
		return nil, err
	}

	// 历史、生理快照和检索互不依赖，并行拉取
	var (
		wg       sync.WaitGroup
		history  []message.Message
		histErr  error
		snapshot hrv.Snapshot
		passages []prompt.Passage
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		fetchCtx, cancel := context.WithTimeout(ctx, historyFetchTimeout)
		defer cancel()
		history, histErr = e.store.FetchRecent(fetchCtx, req.ConversationID, e.config.RecentTurns, userMsgID)
	}()
	go func() {
		defer wg.Done()
		snapshot = e.biometrics.Fetch(ctx, req.UserUID, req.HRVRange)
	}()
	go func() {
		defer wg.Done()
		passages = e.retriever.Retrieve(ctx, req.Message, req.UserUID, topK)
	}()
	wg.Wait()

	if histErr != nil {
		return nil, histErr
	}

	summary, err := e.summarizer.Run(ctx, req.UserUID, req.ConversationID)
	if err != nil {
		return nil, err
	}

	candidate := e.builder.Build(prompt.Input{
		SystemPrompt: systemPrompt,
		Summary:      summary,
		Biometrics: prompt.BiometricInput{
			DailyJSON:     snapshot.DailyJSON(),
			AggregateJSON: snapshot.AggregateJSON(),
		},
		Passages:    passages,
		History:     history,
		UserMessage: req.Message,
	})

	assembly, err := e.allocator.Allocate(candidate)
	if err != nil {
		e.metrics.Counter(otel.MetricBudgetOverflows).Add(ctx, 1)
		return nil, err
	}
	e.recordAssembly(ctx, assembly, len(passages), len(history))

	resp, err := e.provider.Generate(ctx, llm.Request{Messages: assembly.Messages()})
	if err != nil {
		return nil, err
	}

	metadata := map[string]interface{}{
		"hrv_range": req.HRVRange,
		"rag_k":     len(passages),
	}
	if _, err := e.store.InsertMessage(ctx, req.UserUID, req.ConversationID, message.RoleAssistant, resp.Content, metadata); err != nil {
		return nil, err
	}

	return &TurnResult{
		Reply:       resp.Content,
		UsedContext: !snapshot.Empty() || len(passages) > 0,
		HRVRange:    req.HRVRange,
		RAGCount:    len(passages),
		Breakdown:   assembly.Breakdown,
	}, nil
}

// recordAssembly 上报装配结果的指标。
func (e *Engine) recordAssembly(ctx context.Context, a *prompt.Assembly, candidateRAG, candidateHist int) {
	bd := a.Breakdown
	e.metrics.Histogram(otel.MetricPromptTokensTotal).Record(ctx, float64(bd.Total))
	e.metrics.Histogram(otel.MetricPromptTokensHistory).Record(ctx, float64(bd.History))
	e.metrics.Histogram(otel.MetricPromptTokensRAG).Record(ctx, float64(bd.RAG))
	e.metrics.Histogram(otel.MetricPromptTokensBiometric).Record(ctx, float64(bd.Biometric))

	if a.RAGCount < candidateRAG || a.HistoryCount < candidateHist {
		e.metrics.Counter(otel.MetricPromptDegradations).Add(ctx, 1)
		e.logger.Debug("prompt degraded below full content",
			"rag_selected", a.RAGCount, "rag_candidates", candidateRAG,
			"history_selected", a.HistoryCount, "history_candidates", candidateHist)
	}
}
