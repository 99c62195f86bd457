// Package hrv 提供 HRV 分析 API 的只读客户端。
//
// 生物特征数据是提示装配的增强输入而非正确性要求：拉取失败、
// 超时或用户无数据时一律返回空快照，对话流程照常进行。
package hrv

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sgopi888/neuroheart-chat-api/pkg/otel"
)

// MaxDailyRows 注入提示的每日数据行数上限（14 天）
const MaxDailyRows = 14

// Snapshot HRV 快照，按提示区块拆分为每日矩阵与聚合指标。
type Snapshot struct {
	// Daily 逐日时间序列，最多保留最近 MaxDailyRows 行
	Daily []json.RawMessage `json:"time_series,omitempty"`
	// SummaryMetrics 周期聚合指标
	SummaryMetrics json.RawMessage `json:"summary_metrics,omitempty"`
	// Patterns 周期模式分析
	Patterns json.RawMessage `json:"patterns,omitempty"`
}

// Empty 快照是否为空
func (s Snapshot) Empty() bool {
	return len(s.Daily) == 0 && len(s.SummaryMetrics) == 0 && len(s.Patterns) == 0
}

// DailyJSON 渲染每日矩阵为 JSON 文本，无数据时返回空串。
func (s Snapshot) DailyJSON() string {
	if len(s.Daily) == 0 {
		return ""
	}
	b, err := json.Marshal(s.Daily)
	if err != nil {
		return ""
	}
	return string(b)
}

// AggregateJSON 渲染聚合指标与模式为 JSON 文本，无数据时返回空串。
func (s Snapshot) AggregateJSON() string {
	agg := make(map[string]json.RawMessage, 2)
	if len(s.SummaryMetrics) > 0 {
		agg["summary_metrics"] = s.SummaryMetrics
	}
	if len(s.Patterns) > 0 {
		agg["patterns"] = s.Patterns
	}
	if len(agg) == 0 {
		return ""
	}
	b, err := json.Marshal(agg)
	if err != nil {
		return ""
	}
	return string(b)
}

// Config HRV 客户端配置
type Config struct {
	// BaseURL HRV API 地址
	BaseURL string
	// APIKey x-api-key 请求头
	APIKey string
	// Timeout 单次拉取超时
	Timeout time.Duration
}

// Client HRV 分析 API 客户端
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     otel.Logger
	metrics    otel.Metrics
}

// ClientOption 配置 Client
type ClientOption func(*Client)

// WithLogger 设置日志器
func WithLogger(logger otel.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics 设置指标收集器
func WithMetrics(metrics otel.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// WithHTTPClient 设置 HTTP 客户端（测试用）
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient 创建 HRV 客户端
func NewClient(config Config, opts ...ClientOption) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}

	c := &Client{
		baseURL:    config.BaseURL,
		apiKey:     config.APIKey,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     otel.NewNoopLogger(),
		metrics:    otel.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch 拉取用户在指定时间范围内的 HRV 快照。
//
// userUID 是 HRV API 侧的外部用户标识；hrvRange 为 "7d"、"30d" 等。
// 任何失败（网络、超时、非 2xx、解码错误）都降级为空快照。
func (c *Client) Fetch(ctx context.Context, userUID, hrvRange string) Snapshot {
	c.metrics.Counter(otel.MetricHRVFetches).Add(ctx, 1)

	snapshot, err := c.fetch(ctx, userUID, hrvRange)
	if err != nil {
		c.metrics.Counter(otel.MetricHRVFailures).Add(ctx, 1)
		c.logger.Warn("hrv fetch failed, continuing without biometrics",
			"user_uid", userUID, "range", hrvRange, "error", err)
		return Snapshot{}
	}
	return snapshot
}

func (c *Client) fetch(ctx context.Context, userUID, hrvRange string) (Snapshot, error) {
	endpoint := fmt.Sprintf("%s/v1/hrv/analysis?%s", c.baseURL, url.Values{
		"user_id": {userUID},
		"range":   {hrvRange},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Snapshot{}, err
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()

	// 用户无数据不是错误
	if resp.StatusCode == http.StatusNotFound {
		return Snapshot{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("hrv api returned status %d", resp.StatusCode)
	}

	var payload struct {
		SummaryMetrics json.RawMessage   `json:"summary_metrics"`
		TimeSeries     []json.RawMessage `json:"time_series"`
		Patterns       json.RawMessage   `json:"patterns"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode hrv response: %w", err)
	}

	daily := payload.TimeSeries
	if len(daily) > MaxDailyRows {
		daily = daily[len(daily)-MaxDailyRows:]
	}

	return Snapshot{
		Daily:          daily,
		SummaryMetrics: nullToEmpty(payload.SummaryMetrics),
		Patterns:       nullToEmpty(payload.Patterns),
	}, nil
}

// nullToEmpty 把 JSON null 归一化为空字段
func nullToEmpty(raw json.RawMessage) json.RawMessage {
	if string(raw) == "null" {
		return nil
	}
	return raw
}

// Close 关闭空闲连接
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
