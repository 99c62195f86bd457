// Package config 提供配置加载和管理功能
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/sgopi888/neuroheart-chat-api/pkg/otel"
)

// Config 全局配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `koanf:"server"`
	// Store SQLite 存储配置
	Store StoreConfig `koanf:"store"`
	// LLM LLM 配置
	LLM LLMConfig `koanf:"llm"`
	// HRV HRV API 配置
	HRV HRVConfig `koanf:"hrv"`
	// Qdrant 检索配置
	Qdrant QdrantConfig `koanf:"qdrant"`
	// Chat 对话与上下文装配配置
	Chat ChatConfig `koanf:"chat"`
	// Observability 可观测性配置
	Observability otel.Config `koanf:"observability"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	// Addr 监听地址
	Addr string `koanf:"addr"`
	// AppToken x-app-token 请求头校验值，为空时不校验
	AppToken string `koanf:"app_token"`
	// RequestsPerMinute 每用户每分钟请求上限
	RequestsPerMinute int `koanf:"requests_per_minute"`
	// ShutdownTimeout 优雅退出等待时间
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StoreConfig SQLite 存储配置
type StoreConfig struct {
	// Path 数据库文件路径
	Path string `koanf:"path"`
}

// LLMConfig LLM 配置
type LLMConfig struct {
	// APIKey OpenAI API 密钥
	APIKey string `koanf:"api_key"`
	// Model 模型名称
	Model string `koanf:"model"`
	// BaseURL 自定义 API 地址（代理或兼容端点）
	BaseURL string `koanf:"base_url"`
	// MaxTokens 单次回复的 Token 上限
	MaxTokens int `koanf:"max_tokens"`
	// Timeout 请求超时
	Timeout time.Duration `koanf:"timeout"`
	// MaxRetries 最大重试次数
	MaxRetries int `koanf:"max_retries"`
}

// HRVConfig HRV API 配置
type HRVConfig struct {
	// URL HRV API 地址
	URL string `koanf:"url"`
	// APIKey x-api-key 请求头
	APIKey string `koanf:"api_key"`
	// Timeout 单次拉取超时
	Timeout time.Duration `koanf:"timeout"`
}

// QdrantConfig 检索配置
type QdrantConfig struct {
	// URL Qdrant 地址
	URL string `koanf:"url"`
	// APIKey api-key 请求头
	APIKey string `koanf:"api_key"`
	// Collection 检索集合名
	Collection string `koanf:"collection"`
	// Timeout 单次检索超时
	Timeout time.Duration `koanf:"timeout"`
}

// ChatConfig 对话与上下文装配配置
type ChatConfig struct {
	// MaxContextTokens 上下文总预算
	MaxContextTokens int `koanf:"max_context_tokens"`
	// RecentTurns 逐字保留的最近消息窗口
	RecentTurns int `koanf:"recent_turns"`
	// SummarizeThreshold 触发摘要压缩的消息总数
	SummarizeThreshold int `koanf:"summarize_threshold"`
	// MaxPassages 注入提示的 RAG 片段上限
	MaxPassages int `koanf:"max_passages"`
}

// Loader 配置加载器
type Loader struct {
	k *koanf.Koanf
}

// NewLoader 创建配置加载器
func NewLoader() *Loader {
	return &Loader{
		k: koanf.New("."),
	}
}

// LoadEnv 从环境变量加载配置
//
// 环境变量名展平后与 koanf 键路径按下划线逐段对应:
// NEUROHEART_LLM_API_KEY -> llm.api_key,
// NEUROHEART_OBSERVABILITY_METRICS_EXPORTER_ENDPOINT ->
// observability.metrics.exporter.endpoint。
// 键名本身含下划线时不能逐词替换，需要按结构体标签反查路径。
func (l *Loader) LoadEnv(prefix string) error {
	paths := envKeyPaths()
	return l.k.Load(env.Provider(prefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, prefix))
		if path, ok := paths[s]; ok {
			return path
		}
		return strings.ReplaceAll(s, "_", ".")
	}), nil)
}

// envKeyPaths 从 Config 的 koanf 标签收集全部叶子键路径，
// 键为路径的下划线展平形式（与环境变量名对应）。
func envKeyPaths() map[string]string {
	paths := make(map[string]string)
	collectKeyPaths(reflect.TypeOf(Config{}), "", paths)
	return paths
}

// collectKeyPaths 递归收集结构体的 koanf 键路径
func collectKeyPaths(t reflect.Type, prefix string, out map[string]string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("koanf")
		if tag == "" || tag == "-" {
			continue
		}
		path := tag
		if prefix != "" {
			path = prefix + "." + tag
		}

		ft := field.Type
		if ft.Kind() == reflect.Ptr {
			ft = ft.Elem()
		}
		// time.Duration 是 int64，不会误判为嵌套段
		if ft.Kind() == reflect.Struct && ft != reflect.TypeOf(time.Time{}) {
			collectKeyPaths(ft, path, out)
			continue
		}
		out[strings.ReplaceAll(path, ".", "_")] = path
	}
}

// Unmarshal 解析配置到结构体
func (l *Loader) Unmarshal(cfg *Config) error {
	return l.k.Unmarshal("", cfg)
}

// Get 获取配置值
func (l *Loader) Get(key string) interface{} {
	return l.k.Get(key)
}

// GetString 获取字符串配置值
func (l *Loader) GetString(key string) string {
	return l.k.String(key)
}

// Load 从环境变量加载完整配置
func Load() (*Config, error) {
	loader := NewLoader()

	if err := loader.LoadEnv("NEUROHEART_"); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := loader.Unmarshal(cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Chat.MaxContextTokens <= 0 {
		return ErrInvalidBudget
	}
	if c.Chat.RecentTurns <= 0 {
		return ErrInvalidWindow
	}
	return nil
}

// applyDefaults 应用默认配置值
func applyDefaults(cfg *Config) {
	// Server 默认值
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.RequestsPerMinute == 0 {
		cfg.Server.RequestsPerMinute = 20
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	// Store 默认值
	if cfg.Store.Path == "" {
		cfg.Store.Path = "neuroheart.db"
	}

	// LLM 默认值
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 600
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 30 * time.Second
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 3
	}

	// HRV 默认值
	if cfg.HRV.URL == "" {
		cfg.HRV.URL = "http://127.0.0.1:8002"
	}
	if cfg.HRV.Timeout == 0 {
		cfg.HRV.Timeout = 2 * time.Second
	}

	// Qdrant 默认值
	if cfg.Qdrant.URL == "" {
		cfg.Qdrant.URL = "http://localhost:6333"
	}
	if cfg.Qdrant.Collection == "" {
		cfg.Qdrant.Collection = "documents1"
	}
	if cfg.Qdrant.Timeout == 0 {
		cfg.Qdrant.Timeout = 5 * time.Second
	}

	// Chat 默认值
	if cfg.Chat.MaxContextTokens == 0 {
		cfg.Chat.MaxContextTokens = 100_000
	}
	if cfg.Chat.RecentTurns == 0 {
		cfg.Chat.RecentTurns = 20
	}
	if cfg.Chat.SummarizeThreshold == 0 {
		cfg.Chat.SummarizeThreshold = 40
	}
	if cfg.Chat.MaxPassages == 0 {
		cfg.Chat.MaxPassages = 20
	}
}
