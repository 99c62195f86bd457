package otel

// 预定义的指标名称
// 遵循 OpenTelemetry 语义约定
const (
	// Chat 指标
	MetricChatTurns        = "chat.turns"         // 计数器: 对话轮次
	MetricChatTurnDuration = "chat.turn.duration" // 直方图: 单轮端到端时间(ms)
	MetricChatErrors       = "chat.errors"        // 计数器: 对话错误次数

	// 上下文装配指标
	MetricPromptTokensTotal     = "prompt.tokens.total"     // 直方图: 装配后总 Token 数
	MetricPromptTokensHistory   = "prompt.tokens.history"   // 直方图: 历史区 Token 数
	MetricPromptTokensRAG       = "prompt.tokens.rag"       // 直方图: RAG 区 Token 数
	MetricPromptTokensBiometric = "prompt.tokens.biometric" // 直方图: 生物特征区 Token 数
	MetricPromptDegradations    = "prompt.degradations"     // 计数器: 发生降级的装配次数
	MetricBudgetOverflows       = "prompt.budget.overflows" // 计数器: 固定区超预算次数

	// 摘要指标
	MetricSummarizeRuns     = "summarize.runs"     // 计数器: 摘要压缩执行次数
	MetricSummarizeFailures = "summarize.failures" // 计数器: 摘要压缩失败次数

	// LLM 指标
	MetricLLMRequests         = "llm.requests"          // 计数器: LLM 请求次数
	MetricLLMRequestDuration  = "llm.request.duration"  // 直方图: LLM 请求时间(ms)
	MetricLLMTokensPrompt     = "llm.tokens.prompt"     // 计数器: Prompt Token 总数
	MetricLLMTokensCompletion = "llm.tokens.completion" // 计数器: Completion Token 总数
	MetricLLMErrors           = "llm.errors"            // 计数器: LLM 错误次数
	MetricLLMRetries          = "llm.retries"           // 计数器: LLM 重试次数

	// 外部数据源指标
	MetricHRVFetches      = "hrv.fetches"        // 计数器: HRV 快照拉取次数
	MetricHRVFailures     = "hrv.failures"       // 计数器: HRV 拉取失败次数
	MetricRAGQueries      = "rag.queries"        // 计数器: RAG 查询次数
	MetricRAGQueryLatency = "rag.query.duration" // 直方图: RAG 查询时间(ms)
	MetricRAGPassages     = "rag.passages"       // 直方图: 单次查询返回的片段数

	// 限流指标
	MetricRateLimitRejections = "ratelimit.rejections" // 计数器: 被限流拒绝的请求数
)

// MetricUnit 指标单位
type MetricUnit string

const (
	UnitNone         MetricUnit = ""
	UnitMilliseconds MetricUnit = "ms"
	UnitSeconds      MetricUnit = "s"
	UnitBytes        MetricUnit = "By"
	UnitCount        MetricUnit = "1"
)

// MetricDescription 指标描述
type MetricDescription struct {
	Name        string
	Description string
	Unit        MetricUnit
	Type        string // counter, histogram, gauge
}

// PredefinedMetrics 预定义指标列表
var PredefinedMetrics = []MetricDescription{
	{MetricChatTurns, "Number of chat turns processed", UnitCount, "counter"},
	{MetricChatTurnDuration, "End-to-end duration of a chat turn", UnitMilliseconds, "histogram"},
	{MetricChatErrors, "Number of failed chat turns", UnitCount, "counter"},

	{MetricPromptTokensTotal, "Total tokens in an assembled prompt", UnitCount, "histogram"},
	{MetricPromptTokensHistory, "History tokens in an assembled prompt", UnitCount, "histogram"},
	{MetricPromptTokensRAG, "RAG tokens in an assembled prompt", UnitCount, "histogram"},
	{MetricPromptTokensBiometric, "Biometric tokens in an assembled prompt", UnitCount, "histogram"},
	{MetricPromptDegradations, "Number of assemblies that degraded below full content", UnitCount, "counter"},
	{MetricBudgetOverflows, "Number of assemblies where fixed blocks exceeded the budget", UnitCount, "counter"},

	{MetricSummarizeRuns, "Number of summary compression runs", UnitCount, "counter"},
	{MetricSummarizeFailures, "Number of failed summary compression runs", UnitCount, "counter"},

	{MetricLLMRequests, "Number of LLM requests", UnitCount, "counter"},
	{MetricLLMRequestDuration, "Duration of LLM requests", UnitMilliseconds, "histogram"},
	{MetricLLMTokensPrompt, "Number of prompt tokens", UnitCount, "counter"},
	{MetricLLMTokensCompletion, "Number of completion tokens", UnitCount, "counter"},
	{MetricLLMErrors, "Number of LLM errors", UnitCount, "counter"},
	{MetricLLMRetries, "Number of LLM retries", UnitCount, "counter"},

	{MetricHRVFetches, "Number of HRV snapshot fetches", UnitCount, "counter"},
	{MetricHRVFailures, "Number of failed HRV snapshot fetches", UnitCount, "counter"},
	{MetricRAGQueries, "Number of RAG queries", UnitCount, "counter"},
	{MetricRAGQueryLatency, "Duration of RAG queries", UnitMilliseconds, "histogram"},
	{MetricRAGPassages, "Number of passages returned per RAG query", UnitCount, "histogram"},

	{MetricRateLimitRejections, "Number of requests rejected by rate limiting", UnitCount, "counter"},
}
