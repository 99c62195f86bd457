// Package rag 提供基于 Qdrant REST API 的知识检索客户端。
//
// 集合混存全局知识文档与用户私有记忆：无 type 字段或
// type=knowledge 的文档对所有用户可见，type=memory 的文档
// 仅对匹配 user_uid 的用户可见。检索失败降级为空结果。
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sgopi888/neuroheart-chat-api/pkg/otel"
	"github.com/sgopi888/neuroheart-chat-api/pkg/prompt"
)

const (
	// DefaultCollection 默认检索集合
	DefaultCollection = "documents1"
	// MaxPassageChars 单个片段的字符上限
	MaxPassageChars = 600
	// MaxChunks 单次检索返回的片段数上限
	MaxChunks = 20
	// dedupPrefixLen 去重所用的前缀长度
	dedupPrefixLen = 80
)

// Config Qdrant 客户端配置
type Config struct {
	// URL Qdrant 地址
	URL string
	// APIKey api-key 请求头
	APIKey string
	// Collection 检索集合名
	Collection string
	// Timeout 单次检索超时
	Timeout time.Duration
}

// Client Qdrant 检索客户端
type Client struct {
	baseURL    string
	apiKey     string
	collection string
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

// NewClient 创建检索客户端
func NewClient(config Config, opts ...ClientOption) *Client {
	if config.URL == "" {
		config.URL = "http://localhost:6333"
	}
	if config.Collection == "" {
		config.Collection = DefaultCollection
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	c := &Client{
		baseURL:    config.URL,
		apiKey:     config.APIKey,
		collection: config.Collection,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     otel.NewNoopLogger(),
		metrics:    otel.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Retrieve 检索用户可见的相关片段。
//
// topK 超过 MaxChunks 时截断到上限。任何失败（网络、非 2xx、
// 解码错误）记日志并返回空结果，对话流程照常进行。
func (c *Client) Retrieve(ctx context.Context, queryText, userUID string, topK int) []prompt.Passage {
	if topK <= 0 || topK > MaxChunks {
		topK = MaxChunks
	}

	start := time.Now()
	c.metrics.Counter(otel.MetricRAGQueries).Add(ctx, 1)

	hits, err := c.scroll(ctx, userUID, topK)
	c.metrics.Histogram(otel.MetricRAGQueryLatency).Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		c.logger.Warn("qdrant retrieval failed, continuing without passages",
			"user_uid", userUID, "error", err)
		return nil
	}

	passages := dedupPassages(hits)
	c.metrics.Histogram(otel.MetricRAGPassages).Record(ctx, float64(len(passages)))
	return passages
}

// scrollHit 单条 scroll 命中
type scrollHit struct {
	Score   *float64               `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// scroll 执行带可见性过滤的 scroll 查询
func (c *Client) scroll(ctx context.Context, userUID string, limit int) ([]scrollHit, error) {
	// should 过滤：无 type 的全局文档 OR 显式知识文档 OR 本用户记忆
	filter := map[string]interface{}{
		"should": []map[string]interface{}{
			{
				"is_empty": map[string]interface{}{"key": "type"},
			},
			{
				"key":   "type",
				"match": map[string]interface{}{"value": "knowledge"},
			},
			{
				"must": []map[string]interface{}{
					{
						"key":   "type",
						"match": map[string]interface{}{"value": "memory"},
					},
					{
						"key":   "user_uid",
						"match": map[string]interface{}{"value": userUID},
					},
				},
			},
		},
	}

	body := map[string]interface{}{
		"filter":       filter,
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/collections/%s/points/scroll", c.baseURL, c.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to scroll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("scroll failed: %s", string(respBody))
	}

	var result struct {
		Result struct {
			Points []scrollHit `json:"points"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return result.Result.Points, nil
}

// dedupPassages 清洗命中：取文本、按前 80 字符去重、截断长度。
func dedupPassages(hits []scrollHit) []prompt.Passage {
	var out []prompt.Passage
	seen := make(map[string]struct{})

	for _, h := range hits {
		text := strings.TrimSpace(payloadText(h.Payload))
		if text == "" {
			continue
		}

		key := text
		if len(key) > dedupPrefixLen {
			key = key[:dedupPrefixLen]
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		if len(text) > MaxPassageChars {
			cut := MaxPassageChars
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			text = text[:cut]
		}

		var score float64
		if h.Score != nil {
			score = *h.Score
		}

		out = append(out, prompt.Passage{
			Text:   text,
			Score:  score,
			Source: payloadString(h.Payload, "source"),
			Type:   payloadString(h.Payload, "type"),
		})
	}

	return out
}

// payloadText 读取片段正文，兼容 text 和 content 两种字段名
func payloadText(payload map[string]interface{}) string {
	if s := payloadString(payload, "text"); s != "" {
		return s
	}
	return payloadString(payload, "content")
}

// payloadString 读取字符串字段
func payloadString(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	if s, ok := payload[key].(string); ok {
		return s
	}
	return ""
}

// Close 关闭空闲连接
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
