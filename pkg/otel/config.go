package otel

import "time"

// Config 可观测性配置
type Config struct {
	// Enabled 是否启用可观测性
	Enabled bool `koanf:"enabled"`

	// ServiceName 服务名称
	ServiceName string `koanf:"service_name"`
	// ServiceVersion 服务版本
	ServiceVersion string `koanf:"service_version"`
	// Environment 环境（dev, staging, prod）
	Environment string `koanf:"environment"`

	// Metrics 指标配置
	Metrics MetricsConfig `koanf:"metrics"`
	// Logging 日志配置
	Logging LoggingConfig `koanf:"logging"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// Enabled 是否启用指标
	Enabled bool `koanf:"enabled"`
	// Exporter 导出器配置
	Exporter ExporterConfig `koanf:"exporter"`
	// Interval 导出间隔
	Interval time.Duration `koanf:"interval"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	// Level 日志级别 (debug, info, warn, error)
	Level string `koanf:"level"`
	// Format 日志格式 (text, json)
	Format string `koanf:"format"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "neuroheart-chat-api",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		Metrics: MetricsConfig{
			Enabled:  false,
			Exporter: DefaultExporterConfig(),
			Interval: 60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Metrics.Exporter.Type {
	case "", ExporterOTLPGRPC, ExporterOTLPHTTP, ExporterStdout, ExporterNone:
		return nil
	default:
		return ErrUnsupportedExporter
	}
}

// WithDefaults 返回带默认值的配置
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.ServiceName == "" {
		c.ServiceName = defaults.ServiceName
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = defaults.ServiceVersion
	}
	if c.Environment == "" {
		c.Environment = defaults.Environment
	}
	if c.Metrics.Exporter.Type == "" {
		c.Metrics.Exporter.Type = defaults.Metrics.Exporter.Type
	}
	if c.Metrics.Exporter.Endpoint == "" {
		c.Metrics.Exporter.Endpoint = defaults.Metrics.Exporter.Endpoint
	}
	if c.Metrics.Exporter.Timeout == 0 {
		c.Metrics.Exporter.Timeout = defaults.Metrics.Exporter.Timeout
	}
	if c.Metrics.Interval == 0 {
		c.Metrics.Interval = defaults.Metrics.Interval
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaults.Logging.Format
	}

	return c
}
